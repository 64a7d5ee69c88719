// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RefreshAttempts  prometheus.Counter
	RefreshFailures  prometheus.Counter
	RefreshSucceeded prometheus.Counter
	ValidationCalls  prometheus.Counter
	DeviceFlowsRun   prometheus.Counter
	PersistWrites    prometheus.Counter
	PersistSkips     prometheus.Counter
	PersistFailures  prometheus.Counter

	// Histograms (seconds)
	RefreshDuration prometheus.Observer

	// Gauges
	PendingUpdatesGauge prometheus.Gauge
	TokenStateGauge     *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RefreshAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_refresh_attempts_total", Help: "Number of token refresh attempts"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_refresh_failures_total", Help: "Number of token refresh failures"})
		RefreshSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_refresh_succeeded_total", Help: "Number of successful token refreshes"})
		ValidationCalls = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_validation_calls_total", Help: "Number of remote token validation calls"})
		DeviceFlowsRun = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_device_flows_total", Help: "Number of device authorization flows started"})
		PersistWrites = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_persist_writes_total", Help: "Number of credential file writes"})
		PersistSkips = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_persist_skips_total", Help: "Number of writes skipped by checksum dedupe"})
		PersistFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "cred_persist_failures_total", Help: "Number of failed credential file writes"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cred_refresh_duration_seconds", Help: "Token refresh duration seconds", Buckets: prometheus.DefBuckets})
		PendingUpdatesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cred_pending_updates", Help: "Current number of pending queued credential updates"})
		TokenStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "cred_token_state", Help: "Number of tracked tokens per state"}, []string{"state"})
	})
}

// ObserveRefreshAttempt increments the attempt counter if metrics are initialized.
func ObserveRefreshAttempt() {
	if RefreshAttempts != nil {
		RefreshAttempts.Inc()
	}
}

// ObserveRefreshFailure increments the failure counter if metrics are initialized.
func ObserveRefreshFailure() {
	if RefreshFailures != nil {
		RefreshFailures.Inc()
	}
}

// ObserveRefreshSuccess increments the success counter if metrics are initialized.
func ObserveRefreshSuccess() {
	if RefreshSucceeded != nil {
		RefreshSucceeded.Inc()
	}
}

// ObserveValidation increments the validation-call counter if metrics are initialized.
func ObserveValidation() {
	if ValidationCalls != nil {
		ValidationCalls.Inc()
	}
}

// ObserveDeviceFlow increments the device-flow counter if metrics are initialized.
func ObserveDeviceFlow() {
	if DeviceFlowsRun != nil {
		DeviceFlowsRun.Inc()
	}
}

// ObservePersistWrite increments the write counter if metrics are initialized.
func ObservePersistWrite() {
	if PersistWrites != nil {
		PersistWrites.Inc()
	}
}

// ObservePersistSkip increments the dedupe-skip counter if metrics are initialized.
func ObservePersistSkip() {
	if PersistSkips != nil {
		PersistSkips.Inc()
	}
}

// ObservePersistFailure increments the failed-write counter if metrics are initialized.
func ObservePersistFailure() {
	if PersistFailures != nil {
		PersistFailures.Inc()
	}
}

// SetPendingUpdates records the current queued update count.
func SetPendingUpdates(n int) {
	if PendingUpdatesGauge != nil {
		PendingUpdatesGauge.Set(float64(n))
	}
}

// SetTokenState records how many tracked tokens are in the given state.
func SetTokenState(state string, n int) {
	if TokenStateGauge != nil {
		TokenStateGauge.WithLabelValues(state).Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
