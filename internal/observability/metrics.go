// Package observability exposes Prometheus metrics for relay sessions.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"elley/internal/core"
	"elley/internal/relay"
)

// PrometheusHooks implements relay.Hooks on top of Prometheus collectors.
type PrometheusHooks struct {
	sessions  *prometheus.CounterVec
	active    prometheus.Gauge
	fragments prometheus.Counter
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
}

var _ relay.Hooks = (*PrometheusHooks)(nil)

// NewPrometheusHooks creates the relay collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func NewPrometheusHooks(reg prometheus.Registerer) *PrometheusHooks {
	h := &PrometheusHooks{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elley",
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Relay sessions by outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elley",
			Subsystem: "relay",
			Name:      "active_sessions",
			Help:      "Relay sessions currently streaming.",
		}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elley",
			Subsystem: "relay",
			Name:      "fragments_total",
			Help:      "Backend fragments forwarded to clients.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elley",
			Subsystem: "relay",
			Name:      "session_duration_seconds",
			Help:      "Wall time of relay sessions.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elley",
			Subsystem: "backend",
			Name:      "tokens_total",
			Help:      "Tokens reported by the backend on final fragments.",
		}, []string{"kind"}),
	}
	reg.MustRegister(h.sessions, h.active, h.fragments, h.duration, h.tokens)
	return h
}

func (h *PrometheusHooks) SessionStarted() {
	h.active.Inc()
}

func (h *PrometheusHooks) FragmentForwarded() {
	h.fragments.Inc()
}

func (h *PrometheusHooks) SessionEnded(outcome relay.Outcome, elapsed time.Duration, final *core.Fragment) {
	h.active.Dec()
	h.sessions.WithLabelValues(string(outcome)).Inc()
	h.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
	if final != nil {
		h.tokens.WithLabelValues("prompt").Add(float64(final.PromptTokens))
		h.tokens.WithLabelValues("completion").Add(float64(final.CompletionTokens))
	}
}
