package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const defaultRetryDelay = time.Second

// HandlerFunc processes one message. A nil error commits the offset.
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The consumer logs it and
// commits the message so the partition can make progress.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Consumer drives a group reader with at-least-once semantics: offsets are
// committed only after the handler succeeds, and a failing message is
// retried in place so later offsets are never committed past it.
type Consumer struct {
	reader     Reader
	handler    HandlerFunc
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewConsumer creates a consumer. name is used as the log component.
func NewConsumer(name string, reader Reader, handler HandlerFunc, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		handler:    handler,
		retryDelay: defaultRetryDelay,
		logger:     logger.With().Str("component", name).Logger(),
	}
}

// WithRetryDelay overrides the pause between handler retries
func (c *Consumer) WithRetryDelay(d time.Duration) *Consumer {
	if d > 0 {
		c.retryDelay = d
	}
	return c
}

// Run fetches and handles messages until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("Consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("Consumer stopped")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error().Err(err).Msg("Error fetching message")
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if !c.process(ctx, msg) {
			c.logger.Info().Msg("Consumer stopped")
			return nil
		}
	}
}

// process handles msg until it succeeds, fails permanently or ctx ends.
// It returns false when ctx ended first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			break
		}
		if IsPermanent(err) {
			c.logger.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Dropping message that cannot be processed")
			break
		}
		c.logger.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Msg("Error processing message, will retry")
		if !c.sleep(ctx) {
			return false
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Not fatal: the message will be redelivered after a rebalance
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Error committing message")
	}
	return true
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
