package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoslabs/qmux/pkg/qerrors"
)

type fakeConn struct {
	id     string
	closed atomic.Bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Close(_ context.Context) error {
	c.closed.Store(true)
	return nil
}

// countingFactory returns a factory that mints fakeConns and counts opens.
func countingFactory(opened *atomic.Int64) Factory {
	return func(_ context.Context) (Connection, error) {
		n := opened.Add(1)
		return &fakeConn{id: fmt.Sprintf("conn-%d", n)}, nil
	}
}

func newTestPool(t *testing.T, cfg Config, factory Factory) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg, factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestMinConnectionsOpenedEagerly(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 3, MaxConnections: 5}, countingFactory(&opened))

	s := p.Stats()
	assert.Equal(t, 3, s.Idle)
	assert.Equal(t, 0, s.Busy)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, int64(3), opened.Load())
}

func TestAcquireReusesIdleBeforeGrowing(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 5}, countingFactory(&opened))

	conn, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), opened.Load(), "idle connection should be reused, not opened")

	p.Release(conn)

	conn2, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), conn2.ID())
	p.Release(conn2)
}

func TestPoolBoundInvariant(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 0, MaxConnections: 4}, countingFactory(&opened))

	var conns []Connection
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(context.Background(), fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		conns = append(conns, conn)

		s := p.Stats()
		assert.Equal(t, s.Total, s.Idle+s.Busy)
		assert.LessOrEqual(t, s.Total, 4)
	}

	for _, conn := range conns {
		p.Release(conn)
	}
	s := p.Stats()
	assert.Equal(t, 4, s.Idle)
	assert.Equal(t, 0, s.Busy)
}

// Scenario: minimum 2, maximum 3; four concurrent requests never create a
// fourth connection, and the blocked acquire proceeds once one is released.
func TestSaturatedPoolBlocksUntilRelease(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 2, MaxConnections: 3}, countingFactory(&opened))

	var conns []Connection
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(context.Background(), fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	assert.Equal(t, int64(3), opened.Load())

	acquired := make(chan Connection, 1)
	go func() {
		conn, err := p.Acquire(context.Background(), "req-waiter")
		if err == nil {
			acquired <- conn
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the pool is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(conns[0])

	select {
	case conn := <-acquired:
		assert.Equal(t, int64(3), opened.Load(), "at most 3 connections may ever be created")
		p.Release(conn)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}

	p.Release(conns[1])
	p.Release(conns[2])
}

func TestConcurrentAcquireReleaseKeepsInvariants(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 4}, countingFactory(&opened))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.Acquire(context.Background(), fmt.Sprintf("req-%d", i))
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(conn)
		}(i)
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, s.Total, s.Idle+s.Busy)
	assert.LessOrEqual(t, s.Total, 4)
	assert.LessOrEqual(t, opened.Load(), int64(4))
	assert.Equal(t, 0, s.Busy)
}

func TestReleaseIsIdempotent(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2}, countingFactory(&opened))

	conn, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	p.Release(conn)
	p.Release(conn) // double release must be a no-op
	p.Release(&fakeConn{id: "stranger"})

	s := p.Stats()
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.Busy)
	assert.Equal(t, 1, s.Total)
}

func TestFactoryFailureDoesNotCorruptBookkeeping(t *testing.T) {
	fail := atomic.Bool{}
	var opened atomic.Int64
	factory := func(ctx context.Context) (Connection, error) {
		if fail.Load() {
			return nil, errors.New("backend unreachable")
		}
		return countingFactory(&opened)(ctx)
	}

	p := newTestPool(t, Config{MinConnections: 0, MaxConnections: 2}, factory)

	fail.Store(true)
	_, err := p.Acquire(context.Background(), "req-1")
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeConnection))

	s := p.Stats()
	assert.Equal(t, 0, s.Total, "failed open must not count toward total")

	// The failed attempt must not poison the pool for later callers.
	fail.Store(false)
	conn, err := p.Acquire(context.Background(), "req-2")
	require.NoError(t, err)
	p.Release(conn)
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{
		MinConnections: 0,
		MaxConnections: 1,
		AcquireTimeout: 20 * time.Millisecond,
	}, countingFactory(&opened))

	conn, err := p.Acquire(context.Background(), "req-holder")
	require.NoError(t, err)
	defer p.Release(conn)

	start := time.Now()
	_, err = p.Acquire(context.Background(), "req-starved")
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypePoolExhausted))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 0, MaxConnections: 1}, countingFactory(&opened))

	conn, err := p.Acquire(context.Background(), "req-holder")
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, "req-cancelled")
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypePoolExhausted))
}

func TestOwnerTracksRequest(t *testing.T) {
	var opened atomic.Int64
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 1}, countingFactory(&opened))

	conn, err := p.Acquire(context.Background(), "req-42")
	require.NoError(t, err)

	owner, ok := p.Owner(conn.ID())
	require.True(t, ok)
	assert.Equal(t, "req-42", owner)

	p.Release(conn)
	_, ok = p.Owner(conn.ID())
	assert.False(t, ok)
}

func TestCloseTearsDownIdleAndFailsWaiters(t *testing.T) {
	var opened atomic.Int64
	p, err := New(context.Background(), Config{MinConnections: 2, MaxConnections: 2}, countingFactory(&opened))
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))

	_, err = p.Acquire(context.Background(), "req-late")
	require.Error(t, err)
	assert.True(t, qerrors.IsType(err, qerrors.ErrorTypeConnection))

	// Releasing after close closes the connection instead of pooling it.
	p.Release(conn)
	fc := conn.(*fakeConn)
	assert.True(t, fc.closed.Load())
}

type recordingReporter struct {
	mu    sync.Mutex
	calls int
	last  [3]int
}

func (r *recordingReporter) PoolStateChanged(idle, busy, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = [3]int{idle, busy, total}
}

func TestReporterSeesEveryTransition(t *testing.T) {
	var opened atomic.Int64
	rep := &recordingReporter{}
	p, err := New(context.Background(), Config{MinConnections: 1, MaxConnections: 2},
		countingFactory(&opened), WithReporter(rep))
	require.NoError(t, err)
	defer p.Close(context.Background())

	conn, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	p.Release(conn)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.GreaterOrEqual(t, rep.calls, 3) // startup + acquire + release
	assert.Equal(t, [3]int{1, 0, 1}, rep.last)
}

type panickingReporter struct{}

func (panickingReporter) PoolStateChanged(idle, busy, total int) {
	panic("metrics sink failure")
}

// A misbehaving metrics sink must never affect connection management.
func TestPanickingReporterDoesNotAffectPool(t *testing.T) {
	var opened atomic.Int64
	p, err := New(context.Background(), Config{MinConnections: 1, MaxConnections: 2},
		countingFactory(&opened), WithReporter(panickingReporter{}))
	require.NoError(t, err)
	defer p.Close(context.Background())

	conn, err := p.Acquire(context.Background(), "req-1")
	require.NoError(t, err)
	p.Release(conn)

	s := p.Stats()
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.Busy)
}
