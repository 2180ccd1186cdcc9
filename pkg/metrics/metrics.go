// Package metrics holds the Prometheus instruments for the dialogue service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Turn pipeline metrics
	TurnsProcessed *prometheus.CounterVec
	TurnLatency    prometheus.Histogram

	// Security metrics
	PolicyDenials     *prometheus.CounterVec
	UngroundedReplies prometheus.Counter

	// Tool metrics
	ToolCalls   *prometheus.CounterVec
	ToolLatency *prometheus.HistogramVec

	// Booking outcomes
	BookingsMade  prometheus.Counter
	SlotConflicts prometheus.Counter

	// LLM boundary
	ExtractorFailures prometheus.Counter
}

// New creates and registers all application metrics on the given registerer.
// Tests pass a fresh prometheus.NewRegistry so parallel constructions never
// collide.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Total number of dialogue turns handled",
		}, []string{"task", "outcome"}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time spent handling one dialogue turn",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		PolicyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total number of requests refused by the security policy",
		}, []string{"reason"}),
		UngroundedReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ungrounded_replies_total",
			Help:      "Total number of replies blocked by grounding verification",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations",
		}, []string{"tool", "status"}),
		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"tool"}),
		BookingsMade: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_made_total",
			Help:      "Total number of appointments booked",
		}),
		SlotConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_conflicts_total",
			Help:      "Total number of bookings lost to a concurrent write",
		}),
		ExtractorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractor_failures_total",
			Help:      "Total number of intent extractor calls that failed or returned malformed output",
		}),
	}
}
