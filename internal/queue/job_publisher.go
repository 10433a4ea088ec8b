package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// JobPublisher publishes call jobs for the dialer to pick up.
type JobPublisher struct {
	writer *kafka.Writer
}

// NewJobPublisher constructs a publisher for the given topic.
func NewJobPublisher(k *Kafka, topic string) *JobPublisher {
	return &JobPublisher{
		writer: k.NewWriter(topic),
	}
}

// PublishJob writes the job message to Kafka.
func (p *JobPublisher) PublishJob(ctx context.Context, msg JobMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("job publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.JobID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("job publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *JobPublisher) Close() error {
	return p.writer.Close()
}
