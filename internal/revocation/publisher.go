package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	skafka "github.com/segmentio/kafka-go"
)

// Event is emitted whenever a revocation fact is recorded, so downstream
// services can drop cached authorization decisions.
type Event struct {
	Type         string    `json:"type"`
	TenantID     string    `json:"tenant_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	JTI          string    `json:"jti,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RevokedCount *int      `json:"revoked_count,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Event types, one per revocation granularity.
const (
	EventTokenRevoked      = "token.revoked"
	EventUserTokensRevoked = "user.tokens.revoked"
	EventSessionTerminated = "session.terminated"
	EventTenantRevoked     = "tenant.tokens.revoked"
)

// EventPublisher publishes revocation events. Publishing is best effort:
// callers log failures but never fail the revocation itself.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// kafkaWriter is the subset of segmentio kafka.Writer the publisher needs,
// kept narrow so tests can inject a fake.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher writes revocation events to a Kafka topic keyed by
// the most specific identifier on the event.
type KafkaPublisher struct {
	writer kafkaWriter
}

// NewKafkaPublisher creates a publisher writing to topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &skafka.Writer{
		Addr:     skafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &skafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w kafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal revocation event: %w", err)
	}
	msg := skafka.Message{Key: []byte(eventKey(event)), Value: b}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write revocation event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// eventKey picks the partition key: the narrowest non-empty identifier,
// so events for the same subject stay ordered.
func eventKey(e Event) string {
	for _, id := range []string{e.JTI, e.SessionID, e.UserID, e.TenantID} {
		if id != "" {
			return id
		}
	}
	return strings.TrimSpace(e.Type)
}

// NopPublisher discards events. Used when Kafka is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
