package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
)

// TaskEvent is the message published for every finished task
type TaskEvent struct {
	Event       string      `json:"event"`
	Task        models.Task `json:"task"`
	PublishedAt time.Time   `json:"published_at"`
}

const (
	EventSucceeded = "task.succeeded"
	EventFailed    = "task.failed"
)

// Publisher sends task events somewhere
type Publisher interface {
	Publish(ctx context.Context, task models.Task) error
	Close() error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, models.Task) error { return nil }
func (Nop) Close() error                               { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes task events to a Kafka topic keyed by task id
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("no kafka topic configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	logger.Info("Publishing task events to kafka topic %s on %v", topic, brokers)
	return &KafkaPublisher{writer: writer, topic: topic, now: time.Now}, nil
}

// Publish sends the terminal snapshot of task
func (p *KafkaPublisher) Publish(ctx context.Context, task models.Task) error {
	event := TaskEvent{
		Event:       eventName(task.State),
		Task:        task,
		PublishedAt: p.now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	logger.Debug("Published %s for task %s to %s", event.Event, task.ID, p.topic)
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func eventName(state models.TaskState) string {
	if state == models.TaskStateSucceeded {
		return EventSucceeded
	}
	if state == models.TaskStateFailed {
		return EventFailed
	}
	return "task." + string(state)
}
