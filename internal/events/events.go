// Package events publishes run lifecycle events to an MQTT broker.
//
// Each event goes to <topic>/<event type> as a msgpack map. Publication
// is best effort: the run logs a failed publish and carries on.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	synccapture "github.com/e7canasta/sync-capture"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Payload is the wire form of a synccapture.Event
type Payload struct {
	Type   string `msgpack:"type"`
	RunID  string `msgpack:"run_id"`
	TimeNs int64  `msgpack:"time_ns"`
	Device int    `msgpack:"device"`
	Serial string `msgpack:"serial,omitempty"`
	Role   string `msgpack:"role,omitempty"`
	Detail string `msgpack:"detail,omitempty"`
}

// Encode serializes ev as msgpack
func Encode(ev synccapture.Event) ([]byte, error) {
	b, err := msgpack.Marshal(Payload{
		Type:   string(ev.Type),
		RunID:  ev.RunID,
		TimeNs: ev.Time.UnixNano(),
		Device: ev.Device,
		Serial: ev.Serial,
		Role:   ev.Role,
		Detail: ev.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("events: failed to marshal event: %w", err)
	}
	return b, nil
}

// Decode parses a payload produced by Encode
func Decode(b []byte) (synccapture.Event, error) {
	var p Payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return synccapture.Event{}, fmt.Errorf("events: failed to unmarshal event: %w", err)
	}
	return synccapture.Event{
		Type:   synccapture.EventType(p.Type),
		RunID:  p.RunID,
		Time:   time.Unix(0, p.TimeNs).UTC(),
		Device: p.Device,
		Serial: p.Serial,
		Role:   p.Role,
		Detail: p.Detail,
	}, nil
}

// client is the part of mqtt.Client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher is an MQTT synccapture.EventSink
type Publisher struct {
	client client
	topic  string
	qos    byte
	logger *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// Stats contains publisher statistics
type Stats struct {
	Published uint64
	Errors    uint64
}

// Config configures the broker connection
type Config struct {
	Broker   string // host:port
	ClientID string
	Topic    string
	QoS      byte
}

// Connect dials the broker and returns a Publisher.
//
// Reconnection is automatic; a lost connection only makes later
// publishes fail until it comes back.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("events: broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("events: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("events: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	c := mqtt.NewClient(opts)
	logger.Info("events: connecting to mqtt broker", "broker", cfg.Broker)

	if err := dial(ctx, c, connectTimeout); err != nil {
		return nil, err
	}
	return NewPublisher(c, cfg.Topic, cfg.QoS, logger), nil
}

type connector interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
}

// dial waits for the first connection. On failure the client is
// disconnected so connect retries stop with it.
func dial(ctx context.Context, c connector, timeout time.Duration) error {
	token := c.Connect()
	if !waitToken(ctx, token, timeout) {
		c.Disconnect(0)
		return fmt.Errorf("events: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		c.Disconnect(0)
		return fmt.Errorf("events: mqtt connection failed: %w", err)
	}
	return nil
}

// NewPublisher wraps an already connected client
func NewPublisher(c client, topic string, qos byte, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = "sync-capture/events"
	}
	return &Publisher{client: c, topic: topic, qos: qos, logger: logger}
}

// Topic returns the topic an event of type t is published to
func (p *Publisher) Topic(t synccapture.EventType) string {
	return fmt.Sprintf("%s/%s", p.topic, t)
}

// Publish sends ev and waits for the broker acknowledgement
func (p *Publisher) Publish(ctx context.Context, ev synccapture.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		p.countError()
		return err
	}

	topic := p.Topic(ev.Type)
	token := p.client.Publish(topic, p.qos, false, payload)
	if !waitToken(ctx, token, publishTimeout) {
		p.countError()
		return fmt.Errorf("events: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("events: publish failed on %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	p.logger.Debug("events: published",
		"topic", topic,
		"qos", p.qos,
		"size", len(payload),
	)
	return nil
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Published: p.published, Errors: p.errors}
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250) // 250ms grace period
	p.logger.Info("events: mqtt disconnected", "published", p.Stats().Published)
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// waitToken waits for token, the timeout or ctx, whichever comes first
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
