// Package sink holds the outbound consumers of station session events.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Bldg-7/chargebay/internal/shared"
)

// Publisher is satisfied by *broker.Broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// MQTTPublisher writes each event as JSON to <prefix>/<event type>.
// next_changed is retained so late subscribers see the current pick.
type MQTTPublisher struct {
	pub    Publisher
	prefix string
	qos    byte
}

func NewMQTTPublisher(pub Publisher, prefix string) *MQTTPublisher {
	return &MQTTPublisher{pub: pub, prefix: strings.TrimSuffix(prefix, "/"), qos: 1}
}

func (m *MQTTPublisher) Name() string { return "mqtt" }

func (m *MQTTPublisher) Topic(t shared.SessionEventType) string {
	return m.prefix + "/" + string(t)
}

func (m *MQTTPublisher) Handle(ctx context.Context, ev shared.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	retain := ev.Type == shared.EventNextChanged
	return m.pub.Publish(ctx, m.Topic(ev.Type), m.qos, retain, payload)
}
