// Package broker wraps the MQTT client shared by the scan source and the
// event publisher.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bldg-7/chargebay/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt broker not connected")

const disconnectQuiesceMS = 250

type subscription struct {
	qos     byte
	handler func(topic string, payload []byte)
}

// Broker owns one paho client. Subscriptions are remembered and
// re-established every time the client reconnects.
type Broker struct {
	client mqtt.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// New builds a broker client from cfg. It does not connect.
func New(cfg config.MQTTConfig, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{logger: logger, subs: make(map[string]subscription)}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "chargebay-" + uuid.New().String()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		b.logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
		b.resubscribe(client)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

// newWithClient is used by tests to supply a fake client.
func newWithClient(client mqtt.Client, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{client: client, logger: logger, subs: make(map[string]subscription)}
}

// BrokerURL accepts host, host:port or a full URL and returns a URL
// paho understands. The default port is 1883.
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	if !strings.Contains(broker, ":") {
		broker += ":1883"
	}
	return "tcp://" + broker
}

// Connect starts the connection and waits until it is up or ctx is done.
// paho keeps retrying in the background after ctx expires.
func (b *Broker) Connect(ctx context.Context) error {
	b.logger.Info("connecting to mqtt broker")
	return wait(ctx, b.client.Connect())
}

func (b *Broker) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Subscribe registers handler for topic and subscribes now if connected.
func (b *Broker) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	b.subs[topic] = subscription{qos: qos, handler: handler}
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		return nil
	}
	return b.subscribe(b.client, topic, subscription{qos: qos, handler: handler})
}

// Publish sends payload and waits for the broker to accept it.
func (b *Broker) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, b.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(disconnectQuiesceMS)
		b.logger.Info("disconnected from mqtt broker")
	}
}

func (b *Broker) resubscribe(client mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]subscription, len(b.subs))
	for topic, sub := range b.subs {
		subs[topic] = sub
	}
	b.mu.Unlock()

	for topic, sub := range subs {
		if err := b.subscribe(client, topic, sub); err != nil {
			b.logger.Warn("failed to subscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (b *Broker) subscribe(client mqtt.Client, topic string, sub subscription) error {
	token := client.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
