// Package pool implements the bounded, growable connection pool behind the
// query multiplexer. The pool owns every physical connection: a connection is
// either idle (available for acquisition) or busy (owned by exactly one
// in-flight request), and `idle + busy == total <= max` holds at all times.
//
// Waiters are notified through a condition variable rather than a polling
// loop, so a release wakes exactly the callers that can make progress.
// Idle connections are never proactively reclaimed; the pool only grows,
// up to its configured maximum.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// Connection is an opaque handle to one physical database session.
// Implementations are supplied by the embedding application through a Factory.
type Connection interface {
	// ID uniquely identifies the connection within the pool
	ID() string
	// Close tears down the physical session
	Close(ctx context.Context) error
}

// Factory opens one new physical connection. It is called whenever the pool
// grows; a failure is surfaced to the acquire call that triggered growth and
// never corrupts pool bookkeeping.
type Factory func(ctx context.Context) (Connection, error)

// Reporter receives pool state updates at the end of every acquire and
// release. Implementations must be cheap; they are invoked under the pool
// lock.
type Reporter interface {
	PoolStateChanged(idle, busy, total int)
}

// Config holds pool sizing and timing parameters.
type Config struct {
	// MinConnections are opened eagerly when the pool is created
	MinConnections int
	// MaxConnections is the hard ceiling; acquires beyond it wait
	MaxConnections int
	// AcquireTimeout bounds the wait for a free connection (0 = unbounded)
	AcquireTimeout time.Duration
	// ConnectTimeout bounds a single factory open (0 = unbounded)
	ConnectTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Idle               int     `json:"idle"`
	Busy               int     `json:"busy"`
	Total              int     `json:"total"`
	Max                int     `json:"max"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Pool is a bounded, growable set of physical connections.
// It must be constructed with New; the zero value is not usable.
type Pool struct {
	cfg      Config
	factory  Factory
	logger   *zap.Logger
	reporter Reporter

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []Connection
	busy    map[string]Connection // connection id -> connection
	owners  map[string]string     // connection id -> request id using it
	opening int                   // factory calls in flight, counted against max
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithReporter sets the pool's metrics reporter.
func WithReporter(r Reporter) Option {
	return func(p *Pool) { p.reporter = r }
}

// New creates a pool and eagerly opens MinConnections connections.
// A failure to open any eager connection fails construction; connections
// opened before the failure are closed again.
func New(ctx context.Context, cfg Config, factory Factory, opts ...Option) (*Pool, error) {
	if factory == nil {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "connection factory must not be nil")
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  zap.NewNop(),
		busy:    make(map[string]Connection),
		owners:  make(map[string]string),
	}
	p.cond = sync.NewCond(&p.mu)

	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pool"))

	for i := 0; i < cfg.MinConnections; i++ {
		conn, err := p.open(ctx)
		if err != nil {
			for _, c := range p.idle {
				_ = c.Close(ctx)
			}
			return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "opening minimum connections")
		}
		p.idle = append(p.idle, conn)
	}

	p.logger.Info("pool created",
		zap.Int("min_connections", cfg.MinConnections),
		zap.Int("max_connections", cfg.MaxConnections))

	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()

	return p, nil
}

// Acquire returns an idle connection, growing the pool if it is under its
// maximum. When the pool is saturated the caller waits until a connection is
// released, the context is done, or the configured AcquireTimeout elapses.
// requestID identifies the request the connection is handed to.
func (p *Pool) Acquire(ctx context.Context, requestID string) (Connection, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	// Wake waiters when the context expires so cond.Wait never parks past
	// the deadline.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, qerrors.New(qerrors.ErrorTypeConnection, "pool is closed")
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy[conn.ID()] = conn
			p.owners[conn.ID()] = requestID
			p.reportLocked()

			p.logger.Debug("connection acquired",
				zap.String("connection_id", conn.ID()),
				zap.String("request_id", requestID))
			return conn, nil
		}

		if p.totalLocked()+p.opening < p.cfg.MaxConnections {
			conn, err := p.growLocked(ctx)
			if err != nil {
				return nil, err
			}
			p.busy[conn.ID()] = conn
			p.owners[conn.ID()] = requestID
			p.reportLocked()

			p.logger.Debug("connection created",
				zap.String("connection_id", conn.ID()),
				zap.String("request_id", requestID),
				zap.Int("total", p.totalLocked()))
			return conn, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, qerrors.Wrap(err, qerrors.ErrorTypePoolExhausted,
				"no connection became available").WithDetail("request_id", requestID)
		}

		p.cond.Wait()
	}
}

// Release returns a connection to the idle set and wakes one waiter.
// Releasing a connection that is already idle, or unknown to the pool,
// is a no-op so defensive double-release from error paths stays harmless.
func (p *Pool) Release(conn Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.busy[conn.ID()]; !ok {
		p.logger.Debug("ignoring release of non-busy connection",
			zap.String("connection_id", conn.ID()))
		return
	}

	delete(p.busy, conn.ID())
	delete(p.owners, conn.ID())

	if p.closed {
		_ = conn.Close(context.Background())
		p.reportLocked()
		return
	}

	p.idle = append(p.idle, conn)
	p.reportLocked()
	p.cond.Signal()

	p.logger.Debug("connection released",
		zap.String("connection_id", conn.ID()),
		zap.Int("idle", len(p.idle)))
}

// Owner reports which request currently holds the given connection.
func (p *Pool) Owner(connectionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.owners[connectionID]
	return owner, ok
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.totalLocked()
	s := Stats{
		Idle:  len(p.idle),
		Busy:  len(p.busy),
		Total: total,
		Max:   p.cfg.MaxConnections,
	}
	if total > 0 {
		s.UtilizationPercent = float64(s.Busy) / float64(total) * 100
	}
	return s
}

// Close marks the pool closed and tears down idle connections. Busy
// connections are closed as their owners release them. Waiting acquires
// fail immediately.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.logger.Info("pool closed", zap.Int("idle_closed", len(idle)))
	return firstErr
}

// growLocked opens one connection via the factory. The in-flight open is
// counted against the maximum so concurrent growers cannot overshoot, but it
// is not part of total: a failed open leaves idle/busy/total untouched.
// Called with p.mu held; the lock is dropped for the factory call.
func (p *Pool) growLocked(ctx context.Context) (Connection, error) {
	p.opening++
	p.mu.Unlock()

	conn, err := p.open(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		// The reserved slot is free again; let another waiter try.
		p.cond.Signal()
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeConnection, "opening connection")
	}
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		p.mu.Lock()
		return nil, qerrors.New(qerrors.ErrorTypeConnection, "pool is closed")
	}
	return conn, nil
}

// open invokes the factory with the configured connect timeout.
func (p *Pool) open(ctx context.Context) (Connection, error) {
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	return p.factory(ctx)
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.busy)
}

// reportLocked publishes the pool's idle/busy split to the reporter. Sink
// failures are contained: a panicking reporter never aborts the acquire or
// release that triggered the report.
func (p *Pool) reportLocked() {
	if p.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("pool reporter panicked", zap.Any("panic", r))
		}
	}()
	p.reporter.PoolStateChanged(len(p.idle), len(p.busy), p.totalLocked())
}
