package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stockpulse/stockpulse/internal/types"
)

// TickProducer publishes price ticks keyed by symbol
type TickProducer struct {
	writer Writer
	logger zerolog.Logger
}

// NewTickProducer wraps w, normally an async writer
func NewTickProducer(w Writer, logger zerolog.Logger) *TickProducer {
	return &TickProducer{writer: w, logger: logger}
}

// PublishTick hands the tick to the writer. With an async writer this only
// fails when the writer is closed; broker errors surface in the completion log.
func (p *TickProducer) PublishTick(ctx context.Context, tick types.PriceTick) error {
	if tick.Symbol == "" {
		p.logger.Warn().Msg("Attempted to publish stock price with empty symbol")
		return nil
	}
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tick.Symbol),
		Value: data,
		Time:  time.UnixMilli(tick.TimestampMillis),
	})
}

// Close flushes and closes the writer
func (p *TickProducer) Close() error {
	return p.writer.Close()
}

// TriggerProducer publishes triggered-alert events keyed by alert id
type TriggerProducer struct {
	writer Writer
}

// NewTriggerProducer wraps w, which must be synchronous so a nil error means the event is durable
func NewTriggerProducer(w Writer) *TriggerProducer {
	return &TriggerProducer{writer: w}
}

// PublishTrigger writes the event and waits for the acknowledgement
func (p *TriggerProducer) PublishTrigger(ctx context.Context, event types.TriggeredAlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(event.AlertID), 10)),
		Value: data,
		Time:  event.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish trigger for alert %d: %w", event.AlertID, err)
	}
	return nil
}

// Close closes the writer
func (p *TriggerProducer) Close() error {
	return p.writer.Close()
}

// DecodeTick decodes a ticks-topic message value
func DecodeTick(value []byte) (types.PriceTick, error) {
	var tick types.PriceTick
	if err := json.Unmarshal(value, &tick); err != nil {
		return types.PriceTick{}, fmt.Errorf("decode tick: %w", err)
	}
	return tick, nil
}

// DecodeTrigger decodes a triggers-topic message value
func DecodeTrigger(value []byte) (types.TriggeredAlertEvent, error) {
	var event types.TriggeredAlertEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return types.TriggeredAlertEvent{}, fmt.Errorf("decode trigger event: %w", err)
	}
	return event, nil
}
