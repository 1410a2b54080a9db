package ident

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"go.uber.org/zap"
)

const SourceMQTT = "mqtt"

// Subscriber is satisfied by *broker.Broker.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

// scanPayload is the JSON form networked scanners publish.
type scanPayload struct {
	Identifier string     `json:"identifier"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

// MQTTSource turns messages on a topic into identifier reads. A payload
// is either the bare identifier or a JSON object with an identifier and
// an optional observed_at timestamp.
type MQTTSource struct {
	sub    Subscriber
	topic  string
	qos    byte
	logger *zap.Logger
	now    func() time.Time
}

func NewMQTTSource(sub Subscriber, topic string, qos byte, logger *zap.Logger) *MQTTSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSource{sub: sub, topic: topic, qos: qos, logger: logger, now: time.Now}
}

func (m *MQTTSource) Name() string { return SourceMQTT }

func (m *MQTTSource) Run(ctx context.Context, emit func(shared.IdentifierEvent)) error {
	err := m.sub.Subscribe(m.topic, m.qos, func(topic string, payload []byte) {
		if ctx.Err() != nil {
			return
		}
		ev, err := ParsePayload(payload, m.now())
		if err != nil {
			m.logger.Warn("dropping scan message", zap.String("topic", topic), zap.Error(err))
			return
		}
		emit(ev)
	})
	if err != nil {
		return err
	}
	m.logger.Info("listening for scans", zap.String("topic", m.topic))

	<-ctx.Done()
	return nil
}

// ParsePayload decodes one scan message. received stamps payloads that
// carry no timestamp of their own.
func ParsePayload(payload []byte, received time.Time) (shared.IdentifierEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p scanPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return shared.IdentifierEvent{}, err
		}
		at := received
		if p.ObservedAt != nil && !p.ObservedAt.IsZero() {
			at = *p.ObservedAt
		}
		return shared.NewIdentifierEvent(p.Identifier, SourceMQTT, at)
	}
	return shared.NewIdentifierEvent(string(trimmed), SourceMQTT, received)
}
