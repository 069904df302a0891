// README: Domain event publishing; Kafka in production, no-op when no brokers are configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"swiftdispatch/internal/types"
)

const (
	TypeAssignmentCreated = "assignment.created"
	TypeStatusChanged     = "delivery.status_changed"
)

type Event struct {
	Type         string    `json:"type"`
	AssignmentID types.ID  `json:"assignmentId"`
	OrderID      types.ID  `json:"orderId"`
	CourierID    types.ID  `json:"courierId"`
	Status       string    `json:"status"`
	ETAMinutes   int       `json:"etaMinutes,omitempty"`
	Score        float64   `json:"score,omitempty"`
	At           time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// KafkaPublisher writes events keyed by order id so every event of an
// order lands on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.OrderID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
