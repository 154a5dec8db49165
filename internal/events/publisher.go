// Package events publishes call-lifecycle events for the rest of the
// platform to consume. When Kafka is not configured the publisher runs
// in log-only mode so the voice pipeline never depends on the broker.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fixly-app/voicebridge/internal/metrics"
)

// Lifecycle event types.
const (
	TypeSessionCreated   = "session.created"
	TypeSessionEnded     = "session.ended"
	TypeSessionTransport = "session.transport_error"
)

// SessionEvent is one call-lifecycle record.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	StreamSID string    `json:"stream_sid,omitempty"`
	CallSID   string    `json:"call_sid,omitempty"`
	Turns     int       `json:"turns,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool
}

// Publisher publishes session lifecycle events to Kafka.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a lifecycle event publisher.
func New(cfg *Config) *Publisher {
	logger := slog.Default().With("component", "events.publisher")
	m := metrics.Default

	if cfg == nil || !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		p := &Publisher{enabled: false, logger: logger, metrics: m}
		if cfg != nil {
			p.topic = cfg.Topic
		}
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}

	logger.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
	)

	return &Publisher{
		writer:  writer,
		topic:   cfg.Topic,
		enabled: true,
		logger:  logger,
		metrics: m,
	}
}

// Publish emits one lifecycle event, keyed by session ID.
// In log-only mode the event is logged and dropped.
func (p *Publisher) Publish(ctx context.Context, ev SessionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return err
	}

	p.logger.Debug("publishing lifecycle event",
		"type", ev.Type,
		"session_id", ev.SessionID,
		"call_sid", ev.CallSID,
	)

	if !p.enabled || p.writer == nil {
		p.metrics.RecordEventPublish(ev.Type, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to write to kafka",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"error", err,
		)
		p.metrics.RecordEventPublish(ev.Type, err)
		return err
	}

	p.metrics.RecordEventPublish(ev.Type, nil)
	return nil
}

// Close closes the Kafka writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
