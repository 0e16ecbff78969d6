package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"task-automation-service/internal/automation/events"
)

const (
	DefaultKafkaBrokers = "localhost:9092"
	DefaultEventTopic   = "task_execution_events"

	writeTimeout = 10 * time.Second
)

// EventProducer publishes execution lifecycle events to Kafka. It implements
// events.Publisher.
type EventProducer struct {
	writer *kafka.Writer
}

// NewEventProducer builds a producer from KAFKA_BROKERS and EVENT_TOPIC.
func NewEventProducer() *EventProducer {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	eventTopic := os.Getenv("EVENT_TOPIC")
	if eventTopic == "" {
		eventTopic = DefaultEventTopic
	}
	brokerList := strings.Split(kafkaBrokers, ",")
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokerList,
		Topic:        eventTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("EventProducer: configured for brokers %s, topic %s", kafkaBrokers, eventTopic)
	return &EventProducer{writer: writer}
}

// PublishExecutionEvent implements events.Publisher. Events for one task are
// keyed by task ID so consumers see them in order.
func (p *EventProducer) PublishExecutionEvent(ctx context.Context, payload events.ExecutionEventPayload) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal execution event for task ID %d: %w", payload.TaskID, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(payload.TaskID), 10)),
		Value: payloadBytes,
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to publish execution event for task ID %d: %w", payload.TaskID, err)
	}
	return nil
}

func (p *EventProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	log.Println("EventProducer: closing Kafka writer.")
	return p.writer.Close()
}
