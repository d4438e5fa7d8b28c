package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the pipeline's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	ticksPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "ingest",
			Name:      "ticks_published_total",
			Help:      "Price ticks handed to the ticks topic.",
		},
	)

	ticksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "ingest",
			Name:      "ticks_dropped_total",
			Help:      "Trade frames discarded before publishing.",
		},
		[]string{"reason"},
	)

	feedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "ingest",
			Name:      "reconnects_total",
			Help:      "Feed reconnect attempts.",
		},
	)

	ticksEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "evaluator",
			Name:      "ticks_evaluated_total",
			Help:      "Ticks evaluated against active alerts.",
		},
	)

	triggersPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "evaluator",
			Name:      "triggers_total",
			Help:      "Trigger events by outcome.",
		},
		[]string{"result"},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockpulse",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	Registry.MustRegister(
		ticksPublished,
		ticksDropped,
		feedReconnects,
		ticksEvaluated,
		triggersPublished,
		deliveries,
	)
}

// Handler exposes the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func TickPublished() { ticksPublished.Inc() }

// TickDropped counts a discarded frame; reason is a short fixed label.
func TickDropped(reason string) { ticksDropped.WithLabelValues(reason).Inc() }

func FeedReconnect() { feedReconnects.Inc() }

func TickEvaluated() { ticksEvaluated.Inc() }

// Trigger records a trigger outcome: published, publish_failed, already_triggered, guarded.
func Trigger(result string) { triggersPublished.WithLabelValues(result).Inc() }

func Delivery(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	deliveries.WithLabelValues(channel, result).Inc()
}
