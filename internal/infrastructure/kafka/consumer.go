package kafka

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// ConfirmationHandler applies a raw gateway confirmation payload.
type ConfirmationHandler interface {
	ApplyConfirmation(ctx context.Context, payload []byte) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds confirmations relayed through Kafka into the reconciler. Offsets are
// committed only after the handler returns, so a crash mid-apply redelivers the
// message. Payloads that fail to apply are committed too; the resync sweeper picks
// those transactions up once they go stale.
type Consumer struct {
	reader  messageReader
	topic   string
	handler ConfirmationHandler
}

func NewConsumer(brokers []string, topic, groupID string, handler ConfirmationHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		topic:   topic,
		handler: handler,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Kafka consumer stopped", "topic", c.topic)
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.topic, "error", err)
			continue
		}

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key), "offset", msg.Offset)

		if err := c.handler.ApplyConfirmation(ctx, msg.Value); err != nil {
			slog.Error("failed to apply confirmation", "topic", msg.Topic, "key", string(msg.Key), "error", err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit Kafka offset", "topic", c.topic, "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
