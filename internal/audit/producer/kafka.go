package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"clinic-crm/backend/internal/audit/domain"
)

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaProducer creates a Kafka producer that writes audit events to the
// given topic. Returns (nil, nil) when brokers or topic are unset, so callers
// can wire the producer unconditionally. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) (*KafkaProducer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer, topic: topic}, nil
}

type wireEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Actor     string    `json:"actor,omitempty"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subject_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Emit serializes the event as JSON and writes it to the Kafka topic.
// Bounded by a short timeout so a slow broker does not block callers indefinitely.
// Keyed by tenant so one tenant's events stay ordered within a partition.
func (p *KafkaProducer) Emit(ctx context.Context, e *domain.Event) error {
	if p == nil || p.writer == nil || e == nil {
		return nil
	}
	payload, err := json.Marshal(wireEvent{
		ID: e.ID, TenantID: e.TenantID, Actor: e.Actor, Action: e.Action,
		SubjectID: e.SubjectID, Detail: e.Detail, CreatedAt: e.CreatedAt,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
