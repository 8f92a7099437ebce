// Package metrics provides performance tracking and observability for qmux
// using Prometheus metrics. It exposes collectors for the multiplexer's key
// indicators: query throughput, per-query latency, batch sizes, pool
// utilization and queue depth.
//
// # Basic Usage
//
//	// Record a completed query
//	metrics.QueriesTotal.WithLabelValues("high", "success").Inc()
//
//	// Track execution latency
//	timer := metrics.NewTimer("execute_batch")
//	runBatch(batch)
//	metrics.QueryLatency.Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., total queries executed)
// Gauge: Values that can go up or down (e.g., pool utilization)
// Histogram: Distribution of values (e.g., latency percentiles)
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks the total number of queries completed by the
	// multiplexer. Labels: priority (low/medium/high), status
	// (success/error/timeout).
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qmux_queries_total",
			Help: "Total number of queries completed",
		},
		[]string{"priority", "status"},
	)

	// QueryLatency tracks the distribution of per-query execution latency
	// in seconds, measured from connection acquisition to completion.
	QueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qmux_query_latency_seconds",
			Help:    "Per-query execution latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 500µs .. ~4s
		},
	)

	// BatchSize tracks the distribution of formed batch sizes.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qmux_batch_size",
			Help:    "Number of requests per executed batch",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		},
	)

	// PoolConnections tracks pool membership by state. Labels: state (idle/busy).
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qmux_pool_connections",
			Help: "Number of pooled connections by state",
		},
		[]string{"state"},
	)

	// PoolUtilization tracks busy/total as a percentage.
	PoolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmux_pool_utilization_percent",
			Help: "Connection pool utilization percentage",
		},
	)

	// QueueDepth tracks the number of requests waiting to be scheduled.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qmux_queue_depth",
			Help: "Current query queue depth",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. The timer can be stopped
// multiple times, each returning the total elapsed time since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// RollingWindow keeps a bounded sliding window of float64 samples and
// reports their average. Old samples are evicted once the window is full,
// so memory stays bounded and recent behavior dominates.
// Safe for concurrent use.
type RollingWindow struct {
	mu      sync.Mutex
	values  []float64
	maxSize int
}

// NewRollingWindow creates a rolling window holding up to maxSize samples.
func NewRollingWindow(maxSize int) *RollingWindow {
	if maxSize < 1 {
		maxSize = 1
	}
	return &RollingWindow{
		values:  make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add records a sample, evicting the oldest if the window is full.
func (w *RollingWindow) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.values) >= w.maxSize {
		w.values = w.values[1:]
	}
	w.values = append(w.values, v)
}

// Average returns the mean of the samples currently in the window,
// or 0 if the window is empty.
func (w *RollingWindow) Average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

// Len returns the number of samples currently held.
func (w *RollingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.values)
}

// PromReporter bridges the multiplexer's reporting hooks to the package's
// Prometheus collectors. It satisfies both pool.Reporter and mux.Reporter.
type PromReporter struct{}

// NewPromReporter returns a Prometheus-backed reporter.
func NewPromReporter() *PromReporter {
	return &PromReporter{}
}

// PoolStateChanged records the pool's idle/busy split and utilization.
func (r *PromReporter) PoolStateChanged(idle, busy, total int) {
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
	PoolConnections.WithLabelValues("busy").Set(float64(busy))
	if total > 0 {
		PoolUtilization.Set(float64(busy) / float64(total) * 100)
	} else {
		PoolUtilization.Set(0)
	}
}

// QueryCompleted records one finished query.
func (r *PromReporter) QueryCompleted(priority, status string, latency time.Duration) {
	QueriesTotal.WithLabelValues(priority, status).Inc()
	if status == "success" || status == "error" {
		QueryLatency.Observe(latency.Seconds())
	}
}

// BatchExecuted records one executed batch.
func (r *PromReporter) BatchExecuted(size int, duration time.Duration) {
	BatchSize.Observe(float64(size))
}

// QueueDepthChanged records the current queue depth.
func (r *PromReporter) QueueDepthChanged(depth int) {
	QueueDepth.Set(float64(depth))
}

// NopReporter discards all reports. Useful in tests and when metrics are
// disabled.
type NopReporter struct{}

// PoolStateChanged implements the pool reporter hook.
func (NopReporter) PoolStateChanged(idle, busy, total int) {}

// QueryCompleted implements the mux reporter hook.
func (NopReporter) QueryCompleted(priority, status string, latency time.Duration) {}

// BatchExecuted implements the mux reporter hook.
func (NopReporter) BatchExecuted(size int, duration time.Duration) {}

// QueueDepthChanged implements the mux reporter hook.
func (NopReporter) QueueDepthChanged(depth int) {}
