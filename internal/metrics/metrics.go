// Package metrics exposes the service's Prometheus instruments: request
// throughput and latency, rate-limit and auth outcomes, session
// lifecycle counts, and calibration activity. One Metrics value is
// created at startup and handed to the layers that record into it.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mindgauge/backend/internal/events"
)

const namespace = "mindgauge"

// Metrics holds every instrument the service records.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	RateLimitDenials  *prometheus.CounterVec
	RateLimitFailOpen prometheus.Counter

	AuthFailures *prometheus.CounterVec

	SessionsStarted  *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	ItemsServed      prometheus.Counter
	FinalSE          prometheus.Histogram

	CalibrationRuns  *prometheus.CounterVec
	CalibrationItems prometheus.Gauge
}

// New registers the instruments on reg (nil means the default
// registry) and returns them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method and route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Requests denied by the rate limiter, by policy scope",
			},
			[]string{"scope"},
		),
		RateLimitFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_fail_open_total",
				Help:      "Rate-limit checks admitted because the backend errored",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Failed authentications by stable error key",
			},
			[]string{"reason"},
		),
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Test sessions started, by mode",
			},
			[]string{"mode"},
		),
		SessionsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Test sessions reaching a terminal state, by mode and reason",
			},
			[]string{"mode", "reason"},
		),
		ItemsServed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_served_total",
				Help:      "Questions offered to examinees",
			},
		),
		FinalSE: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "final_se",
				Help:      "Standard error of ability at session completion",
				Buckets:   []float64{0.15, 0.20, 0.25, 0.30, 0.40, 0.60, 0.80, 1.0},
			},
		),
		CalibrationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calibration_runs_total",
				Help:      "Calibration pipeline runs, by outcome",
			},
			[]string{"outcome"},
		),
		CalibrationItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_items_updated",
				Help:      "Items whose parameters the last calibration run updated",
			},
		),
	}
}

// RecordRequest counts one handled HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordRateLimitDenial counts a 429 for the matched policy scope.
func (m *Metrics) RecordRateLimitDenial(scope string) {
	m.RateLimitDenials.WithLabelValues(scope).Inc()
}

// RecordRateLimitFailOpen counts an admission granted because the
// limiter backend errored.
func (m *Metrics) RecordRateLimitFailOpen() {
	m.RateLimitFailOpen.Inc()
}

// RecordAuthFailure counts a failed authentication by its stable key.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordItemServed counts one question offered.
func (m *Metrics) RecordItemServed() {
	m.ItemsServed.Inc()
}

// RecordCalibration counts a pipeline run and remembers how many items
// it touched.
func (m *Metrics) RecordCalibration(outcome string, itemsUpdated int) {
	m.CalibrationRuns.WithLabelValues(outcome).Inc()
	if outcome == "committed" {
		m.CalibrationItems.Set(float64(itemsUpdated))
	}
}

// WatchBus counts session lifecycle events from the bus until the
// returned stop func runs.
func (m *Metrics) WatchBus(bus *events.Bus) func() {
	ch := bus.Subscribe(
		events.SessionStarted,
		events.SessionCompleted,
		events.SessionAbandoned,
		events.CalibrationCommitted,
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			switch e.Kind {
			case events.SessionStarted:
				m.SessionsStarted.WithLabelValues(eventMode(e)).Inc()
			case events.SessionCompleted:
				m.SessionsFinished.WithLabelValues(eventMode(e), eventReason(e)).Inc()
				if se, ok := e.Data["final_se"].(float64); ok {
					m.FinalSE.Observe(se)
				}
			case events.SessionAbandoned:
				m.SessionsFinished.WithLabelValues(eventMode(e), "abandoned").Inc()
			case events.CalibrationCommitted:
				m.CalibrationRuns.WithLabelValues("committed").Inc()
			}
		}
	}()
	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}

func eventMode(e events.Event) string {
	if mode, ok := e.Data["mode"].(string); ok && mode != "" {
		return mode
	}
	return "unknown"
}

func eventReason(e events.Event) string {
	if reason, ok := e.Data["stop_reason"].(string); ok && reason != "" {
		return reason
	}
	return "completed"
}
