package mux

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stratoslabs/qmux/pkg/config"
	"github.com/stratoslabs/qmux/pkg/metrics"
)

// Statistics is a point-in-time snapshot of multiplexer activity. Averages
// are computed over bounded sliding windows (last 100 samples) so memory
// stays flat and recent behavior dominates.
type Statistics struct {
	TotalQueries           int64   `json:"total_queries"`
	BatchedQueries         int64   `json:"batched_queries"`
	FailedQueries          int64   `json:"failed_queries"`
	TimedOutQueries        int64   `json:"timed_out_queries"`
	AverageBatchSize       float64 `json:"average_batch_size"`
	AverageLatencyMs       float64 `json:"average_latency_ms"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	QueueDepth             int     `json:"queue_depth"`
}

// Health is the derived health verdict. Healthy is false only when a hard
// threshold is strictly exceeded; a reading exactly at a threshold is still
// healthy. Recommendations carry advisory notes for thresholds that are
// merely being approached.
type Health struct {
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

const statsWindowSize = 100

// advisoryFraction of a hard threshold produces a recommendation without
// flipping the verdict.
const advisoryFraction = 0.8

// statsTracker aggregates rolling counters for the multiplexer. Counters are
// atomic; windowed averages delegate to metrics.RollingWindow.
type statsTracker struct {
	totalQueries    atomic.Int64
	batchedQueries  atomic.Int64
	failedQueries   atomic.Int64
	timedOutQueries atomic.Int64

	batchSizes *metrics.RollingWindow
	latencies  *metrics.RollingWindow // milliseconds
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		batchSizes: metrics.NewRollingWindow(statsWindowSize),
		latencies:  metrics.NewRollingWindow(statsWindowSize),
	}
}

func (s *statsTracker) recordSubmission() {
	s.totalQueries.Add(1)
}

func (s *statsTracker) recordBatch(size int) {
	s.batchedQueries.Add(int64(size))
	s.batchSizes.Add(float64(size))
}

func (s *statsTracker) recordLatency(d time.Duration) {
	s.latencies.Add(float64(d.Nanoseconds()) / 1e6)
}

func (s *statsTracker) recordFailure() {
	s.failedQueries.Add(1)
}

func (s *statsTracker) recordTimeout() {
	s.timedOutQueries.Add(1)
}

// evaluateHealth derives a verdict from a statistics snapshot and the
// configured hard thresholds.
func evaluateHealth(stats Statistics, th config.ThresholdConfig) Health {
	h := Health{
		Issues:          []string{},
		Recommendations: []string{},
	}

	if stats.PoolUtilizationPercent > th.PoolUtilizationPercent {
		h.Issues = append(h.Issues, fmt.Sprintf(
			"pool utilization %.1f%% exceeds threshold %.1f%%",
			stats.PoolUtilizationPercent, th.PoolUtilizationPercent))
		h.Recommendations = append(h.Recommendations,
			"increase pool.max_connections or reduce submission rate")
	} else if stats.PoolUtilizationPercent >= th.PoolUtilizationPercent*advisoryFraction {
		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"pool utilization %.1f%% is approaching threshold %.1f%%",
			stats.PoolUtilizationPercent, th.PoolUtilizationPercent))
	}

	depthThreshold := float64(th.QueueDepth)
	if stats.QueueDepth > th.QueueDepth {
		h.Issues = append(h.Issues, fmt.Sprintf(
			"queue depth %d exceeds threshold %d", stats.QueueDepth, th.QueueDepth))
		h.Recommendations = append(h.Recommendations,
			"increase scheduler.max_batch_size or pool capacity to drain faster")
	} else if float64(stats.QueueDepth) >= depthThreshold*advisoryFraction {
		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"queue depth %d is approaching threshold %d", stats.QueueDepth, th.QueueDepth))
	}

	latencyThresholdMs := float64(th.AverageLatency.Nanoseconds()) / 1e6
	if stats.AverageLatencyMs > latencyThresholdMs && latencyThresholdMs > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf(
			"average latency %.1fms exceeds threshold %.1fms",
			stats.AverageLatencyMs, latencyThresholdMs))
		h.Recommendations = append(h.Recommendations,
			"investigate slow operations against the backing store")
	} else if stats.AverageLatencyMs >= latencyThresholdMs*advisoryFraction && latencyThresholdMs > 0 {
		h.Recommendations = append(h.Recommendations, fmt.Sprintf(
			"average latency %.1fms is approaching threshold %.1fms",
			stats.AverageLatencyMs, latencyThresholdMs))
	}

	h.Healthy = len(h.Issues) == 0
	return h
}
