package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stockpulse/stockpulse/internal/messaging"
	"github.com/stockpulse/stockpulse/internal/metrics"
	"github.com/stockpulse/stockpulse/internal/store"
	"github.com/stockpulse/stockpulse/internal/types"
)

// AlertStore is the evaluator's view of persisted alerts
type AlertStore interface {
	FindActiveAlertsBySymbol(ctx context.Context, symbol string) ([]types.Alert, error)
	// MarkTriggered must only succeed once per alert; later calls return
	// store.ErrAlreadyTriggered
	MarkTriggered(ctx context.Context, alertID uint, at time.Time) error
}

// TriggerPublisher emits triggered-alert events. A nil error means the event is durable.
type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, event types.TriggeredAlertEvent) error
}

// Guard is an optional in-flight marker shared across evaluator instances
type Guard interface {
	Acquire(ctx context.Context, alertID uint) (bool, error)
	Release(ctx context.Context, alertID uint) error
}

// Evaluator matches price ticks against stored alerts
type Evaluator struct {
	store     AlertStore
	publisher TriggerPublisher
	guard     Guard
	now       func() time.Time
	logger    zerolog.Logger
}

// Option customises an Evaluator
type Option func(*Evaluator)

// WithGuard enables the in-flight guard
func WithGuard(g Guard) Option {
	return func(e *Evaluator) { e.guard = g }
}

// WithClock overrides the trigger timestamp source
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates a new alert evaluator
func NewEvaluator(alerts AlertStore, publisher TriggerPublisher, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:     alerts,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With().Str("component", "evaluator").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateTick publishes one event for every untriggered alert on the tick's
// symbol whose condition holds, then marks it triggered. Every matching alert
// is attempted; the returned error joins the publish failures, and alerts
// that failed to publish stay untriggered so a redelivered tick retries them.
func (e *Evaluator) EvaluateTick(ctx context.Context, tick types.PriceTick) error {
	metrics.TickEvaluated()

	alerts, err := e.store.FindActiveAlertsBySymbol(ctx, tick.Symbol)
	if err != nil {
		return fmt.Errorf("look up alerts for %s: %w", tick.Symbol, err)
	}
	if len(alerts) == 0 {
		return nil
	}

	e.logger.Debug().
		Str("symbol", tick.Symbol).
		Str("price", tick.Price.String()).
		Int("alerts", len(alerts)).
		Msg("Processing price update")

	var errs []error
	for _, alert := range alerts {
		if alert.Triggered || !alert.Condition.Met(tick.Price, alert.TargetValue) {
			continue
		}
		if err := e.trigger(ctx, alert, tick); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Evaluator) trigger(ctx context.Context, alert types.Alert, tick types.PriceTick) error {
	log := e.logger.With().
		Uint("alert_id", alert.ID).
		Str("symbol", alert.Symbol).
		Str("condition", alert.Condition.String()).
		Str("target", alert.TargetValue.String()).
		Str("price", tick.Price.String()).
		Logger()

	guarded := false
	if e.guard != nil {
		acquired, err := e.guard.Acquire(ctx, alert.ID)
		switch {
		case err != nil:
			// The store-level update still prevents a second mark
			log.Warn().Err(err).Msg("Guard unavailable, continuing without it")
		case !acquired:
			metrics.Trigger("guarded")
			log.Debug().Msg("Alert already in flight elsewhere, skipping")
			return nil
		default:
			guarded = true
		}
	}

	at := e.now()
	event := types.NewTriggeredAlertEvent(alert, tick, at)
	if err := e.publisher.PublishTrigger(ctx, event); err != nil {
		metrics.Trigger("publish_failed")
		if guarded {
			if relErr := e.guard.Release(ctx, alert.ID); relErr != nil {
				log.Warn().Err(relErr).Msg("Failed to release guard after publish failure")
			}
		}
		log.Error().Err(err).Msg("Failed to publish trigger event")
		return fmt.Errorf("alert %d: %w", alert.ID, err)
	}

	metrics.Trigger("published")
	log.Info().
		Str("event_id", event.EventID).
		Str("user", alert.User.Email).
		Msg("Alert triggered")

	if err := e.store.MarkTriggered(ctx, alert.ID, at); err != nil {
		if errors.Is(err, store.ErrAlreadyTriggered) {
			metrics.Trigger("already_triggered")
			log.Info().Msg("Alert was already marked triggered by another evaluator")
			return nil
		}
		// The event is already out; only the guard suppresses a duplicate now
		log.Error().Err(err).Msg("Failed to mark alert triggered")
	}
	return nil
}

// HandleMessage decodes a ticks-topic message and evaluates it. Undecodable
// or invalid ticks are permanent failures; everything else is retried.
func (e *Evaluator) HandleMessage(ctx context.Context, msg kafka.Message) error {
	tick, err := messaging.DecodeTick(msg.Value)
	if err != nil {
		return messaging.Permanent(err)
	}
	if err := tick.Validate(); err != nil {
		return messaging.Permanent(err)
	}
	return e.EvaluateTick(ctx, tick)
}
