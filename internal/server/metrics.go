package server

// metrics.go defines the Prometheus collectors exported at /metrics and
// the observer that feeds the transition metrics from the control
// thread.

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

var (
	// Transition metrics
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepd_transitions_total",
			Help: "Total number of sleep transitions by target state and outcome",
		},
		[]string{"state", "outcome"},
	)

	transitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sleepd_transition_duration_seconds",
			Help: "Wall-clock duration of sleep transitions in seconds",
			// Transitions range from milliseconds (rejected at the
			// gate) to many minutes (parked on the freeze gate).
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"state"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepd_rollbacks_total",
			Help: "Total number of transition rollbacks by the step that failed",
		},
		[]string{"step"},
	)

	// Wakeup metrics
	freezeWakesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sleepd_freeze_wakes_total",
			Help: "Total number of parked freeze transitions released by a wake",
		},
	)

	wakeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepd_wake_events_total",
			Help: "Total number of wakeup-source events by source",
		},
		[]string{"source"},
	)

	// Pairing metrics
	pairingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepd_pairings_total",
			Help: "Total number of pairing attempts by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sleepd_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sleepd_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		},
	)
)

// RecordFreezeWake counts a wake that actually released a parked
// transition. Called by the daemon's wake handler.
func RecordFreezeWake() {
	freezeWakesTotal.Inc()
}

// RecordWakeEvent counts one wakeup-source firing. The daemon hangs
// this off the wakeup registry's notify hook.
func RecordWakeEvent(source string) {
	wakeEventsTotal.WithLabelValues(source).Inc()
}

// RecordPairing counts a pairing attempt. The signature matches
// auth.PairingMetricsRecorder so the daemon can wire it directly.
func RecordPairing(deviceID string, success bool) {
	if success {
		pairingsTotal.WithLabelValues("ok").Inc()
	} else {
		pairingsTotal.WithLabelValues("failed").Inc()
	}
}

// MetricsObserver exports transition outcomes to Prometheus. It
// implements the controller's observer port; like every observer it
// must never influence the transition, and counter updates cannot.
type MetricsObserver struct {
	// stats supplies the failed-step tag after a failure; may be nil.
	stats func() suspend.Snapshot
}

// NewMetricsObserver returns an observer exporting to the package
// collectors. stats supplies the failed-step tag and may be nil.
func NewMetricsObserver(stats func() suspend.Snapshot) *MetricsObserver {
	return &MetricsObserver{stats: stats}
}

func (m *MetricsObserver) TransitionStarted(state suspend.State) {}

func (m *MetricsObserver) DevicesSuspending(state suspend.State) {}

func (m *MetricsObserver) DevicesResumed(state suspend.State) {}

func (m *MetricsObserver) TransitionFinished(state suspend.State, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	transitionsTotal.WithLabelValues(state.String(), outcome).Inc()
	transitionDuration.WithLabelValues(state.String()).Observe(elapsed.Seconds())

	if err == nil {
		return
	}

	// Only descent-stage failures unwound a step this transition; gate
	// rejections carry a stale or empty step in the snapshot.
	switch apperrors.GetCode(err) {
	case apperrors.CodeSuspendFreezeFailed,
		apperrors.CodeSuspendDevicesFailed,
		apperrors.CodeSuspendEnterFailed:
		if m.stats == nil {
			return
		}
		if step := m.stats().LastFailedStep; step != "" {
			rollbacksTotal.WithLabelValues(string(step)).Inc()
		}
	}
}

// metricsMiddleware instruments HTTP requests with Prometheus metrics.
// It tracks request rate, errors, and duration (RED metrics) for observability.
func (s *Server) metricsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := newResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		method := r.Method
		status := strconv.Itoa(wrapped.Status())

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}
