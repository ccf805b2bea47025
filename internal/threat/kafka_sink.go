package threat

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink streams events to a topic keyed by ip, so events for one address
// stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) Publish(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for i := range events {
		value, err := json.Marshal(&events[i])
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(events[i].IP),
			Value: value,
			Time:  events[i].Timestamp,
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}
