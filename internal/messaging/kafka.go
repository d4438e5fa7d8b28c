package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stockpulse/stockpulse/internal/config"
)

// Writer is the subset of *kafka.Writer used by the producers
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader used by the consumer
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewAsyncWriter builds a fire-and-forget writer. Failed batches are only
// reported through the completion log line.
func NewAsyncWriter(cfg config.KafkaConfig, topic string, logger zerolog.Logger) *kafka.Writer {
	w := newWriter(cfg, topic, logger)
	w.Async = true
	w.Completion = func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		ev := logger.Error().Err(err).Str("topic", topic).Int("count", len(messages))
		if len(messages) > 0 {
			ev = ev.Str("key", string(messages[0].Key))
		}
		ev.Msg("Failed to publish messages")
	}
	return w
}

// NewSyncWriter builds a writer whose WriteMessages returns once the broker acknowledged
func NewSyncWriter(cfg config.KafkaConfig, topic string, logger zerolog.Logger) *kafka.Writer {
	return newWriter(cfg, topic, logger)
}

func newWriter(cfg config.KafkaConfig, topic string, logger zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same key, same partition
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
		ErrorLogger:  errorLogger(logger, topic),
	}
}

// NewReader builds a consumer-group reader for one topic. Offsets are
// committed explicitly by Consumer after a message is handled.
func NewReader(cfg config.KafkaConfig, topic, groupID string, logger zerolog.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
		ErrorLogger:    errorLogger(logger, topic),
	})
}

func errorLogger(logger zerolog.Logger, topic string) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...interface{}) {
		logger.Error().Str("topic", topic).Msg(fmt.Sprintf(msg, args...))
	})
}
