package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Notifier delivers event messages to the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// KafkaNotifier publishes each event to a topic named after it. The message
// key keeps the events of one escrow on one partition.
type KafkaNotifier struct {
	writer *kafka.Writer
	prefix string
}

func NewKafkaNotifier(brokers []string, topicPrefix string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka notifier requires at least one broker")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		prefix: topicPrefix,
	}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	return n.writer.WriteMessages(ctx, kafka.Message{
		Topic: n.prefix + msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
		},
		Time: time.Now().UTC(),
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes events to the log. It stands in for Kafka in
// development.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		slog.String("message_id", msg.ID),
		slog.String("topic", msg.Topic),
		slog.String("key", msg.Key),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}
