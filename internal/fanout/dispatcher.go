package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stockpulse/stockpulse/internal/messaging"
	"github.com/stockpulse/stockpulse/internal/metrics"
	"github.com/stockpulse/stockpulse/internal/types"
)

const defaultHistorySize = 100

// PushChannel delivers a message to every live session of identity.
// No live session is not an error.
type PushChannel interface {
	SendToUser(identity string, message []byte) error
}

// EmailSender delivers the transactional trigger email
type EmailSender interface {
	SendAlertEmail(ctx context.Context, event types.TriggeredAlertEvent) error
}

// Delivery records the outcome of one dispatched event
type Delivery struct {
	EventID      string    `json:"event_id"`
	AlertID      uint      `json:"alert_id"`
	Symbol       string    `json:"symbol"`
	User         string    `json:"user"`
	PushError    string    `json:"push_error,omitempty"`
	EmailError   string    `json:"email_error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// pushPayload is what live clients receive
type pushPayload struct {
	Type    string                    `json:"type"`
	Message string                    `json:"message"`
	Alert   types.TriggeredAlertEvent `json:"alert"`
}

// Dispatcher fans each triggered alert out to push and email
type Dispatcher struct {
	push    PushChannel
	email   EmailSender
	logger  zerolog.Logger
	history []Delivery
	maxHist int
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatcher. Either channel may be nil to disable it.
func NewDispatcher(push PushChannel, email EmailSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		push:    push,
		email:   email,
		logger:  logger.With().Str("component", "fanout").Logger(),
		maxHist: defaultHistorySize,
	}
}

// Dispatch attempts both deliveries concurrently and waits for them. Failures
// are logged per channel and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.TriggeredAlertEvent) {
	d.logger.Info().
		Str("event_id", event.EventID).
		Str("user", event.User.Email).
		Str("symbol", event.Symbol).
		Msg("Consumed triggered alert")

	rec := Delivery{
		EventID: event.EventID,
		AlertID: event.AlertID,
		Symbol:  event.Symbol,
		User:    event.User.Email,
	}

	var wg sync.WaitGroup
	if d.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sendPush(event); err != nil {
				rec.PushError = err.Error()
			}
		}()
	}
	if d.email != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sendEmail(ctx, event); err != nil {
				rec.EmailError = err.Error()
			}
		}()
	}
	wg.Wait()

	rec.DispatchedAt = time.Now()
	d.record(rec)
}

func (d *Dispatcher) sendPush(event types.TriggeredAlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
		metrics.Delivery("push", err == nil)
		if err != nil {
			d.logger.Error().Err(err).Str("user", event.User.Email).Msg("Failed to send push notification")
		}
	}()

	payload, err := encodePush(event)
	if err != nil {
		return err
	}
	if err := d.push.SendToUser(event.User.Email, payload); err != nil {
		return err
	}
	d.logger.Info().Str("user", event.User.Email).Msg("Sent push notification")
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, event types.TriggeredAlertEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("email panicked: %v", r)
		}
		metrics.Delivery("email", err == nil)
		if err != nil {
			d.logger.Error().Err(err).Str("user", event.User.Email).Msg("Failed to send alert email")
		}
	}()

	if err := d.email.SendAlertEmail(ctx, event); err != nil {
		return err
	}
	d.logger.Info().Str("user", event.User.Email).Msg("Sent alert email")
	return nil
}

func (d *Dispatcher) record(rec Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, rec)
	if len(d.history) > d.maxHist {
		d.history = d.history[len(d.history)-d.maxHist:]
	}
}

// RecentDeliveries returns the most recent dispatch outcomes, newest last
func (d *Dispatcher) RecentDeliveries() []Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Delivery, len(d.history))
	copy(out, d.history)
	return out
}

// HandleMessage decodes a triggers-topic message and dispatches it. Only an
// undecodable message is reported, as a permanent failure.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := messaging.DecodeTrigger(msg.Value)
	if err != nil {
		return messaging.Permanent(err)
	}
	d.Dispatch(ctx, event)
	return nil
}

func encodePush(event types.TriggeredAlertEvent) ([]byte, error) {
	data, err := json.Marshal(pushPayload{
		Type:    "alert_triggered",
		Message: FormatMessage(event),
		Alert:   event,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push payload: %w", err)
	}
	return data, nil
}

// FormatMessage renders the short human-readable trigger text
func FormatMessage(event types.TriggeredAlertEvent) string {
	return fmt.Sprintf("Alert for %s: Price is now %s your target of %s",
		event.Symbol,
		strings.ToLower(event.Condition.String()),
		event.TargetValue.StringFixed(2))
}
