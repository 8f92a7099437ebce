package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRollingWindowBoundedSize(t *testing.T) {
	w := NewRollingWindow(3)

	for i := 1; i <= 5; i++ {
		w.Add(float64(i))
	}

	// Only the last three samples survive: 3, 4, 5.
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 4.0, w.Average(), 1e-9)
}

func TestRollingWindowEmptyAverage(t *testing.T) {
	w := NewRollingWindow(10)
	assert.Zero(t, w.Average())
	assert.Zero(t, w.Len())
}

func TestRollingWindowMinimumCapacity(t *testing.T) {
	w := NewRollingWindow(0)
	w.Add(1)
	w.Add(2)
	assert.Equal(t, 1, w.Len())
	assert.InDelta(t, 2.0, w.Average(), 1e-9)
}

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer("test")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestPromReporterUtilization(t *testing.T) {
	r := NewPromReporter()

	// Should not panic with an empty pool.
	r.PoolStateChanged(0, 0, 0)
	r.PoolStateChanged(1, 3, 4)
	r.QueryCompleted("high", "success", 10*time.Millisecond)
	r.BatchExecuted(4, 40*time.Millisecond)
	r.QueueDepthChanged(7)
}
