// Package mux implements the query multiplexer: a single Submit facade in
// front of a priority queue, a ticking batch scheduler and a bounded
// connection pool. Callers submit opaque operations with a priority and a
// timeout and receive a Future; the scheduler periodically drains the queue
// into bounded batches and executes batch members concurrently, one pooled
// connection per member.
//
// A Multiplexer is an explicit instance owned by the embedding application.
// There is no package-level singleton; tests and applications construct as
// many isolated multiplexers as they need.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratoslabs/qmux/pkg/config"
	"github.com/stratoslabs/qmux/pkg/metrics"
	"github.com/stratoslabs/qmux/pkg/pool"
	"github.com/stratoslabs/qmux/pkg/qerrors"
	"github.com/stratoslabs/qmux/pkg/queue"
)

// Adapter executes one operation against one acquired connection. It is
// supplied by the embedding application; any error it returns is surfaced
// verbatim (wrapped as a query error) to the submitting caller only.
type Adapter interface {
	Execute(ctx context.Context, conn pool.Connection, op Operation) (Result, error)
}

// Reporter receives multiplexer metrics at well-defined points: the end of
// each query, the end of each batch, and queue depth changes. Calls are
// best-effort; a panicking reporter is contained and never affects query
// execution.
type Reporter interface {
	QueryCompleted(priority, status string, latency time.Duration)
	BatchExecuted(size int, duration time.Duration)
	QueueDepthChanged(depth int)
}

// Multiplexer is the public facade. Construct with New, call Start before
// submitting, and Close when done.
type Multiplexer struct {
	cfg      *config.Config
	logger   *zap.Logger
	reporter Reporter
	adapter  Adapter
	factory  pool.Factory

	pool  *pool.Pool
	queue *queue.Queue[*pendingRequest]
	stats *statsTracker

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the multiplexer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// WithReporter sets the metrics reporter. Defaults to the Prometheus
// reporter when observability.enable_metrics is set, otherwise a no-op.
func WithReporter(r Reporter) Option {
	return func(m *Multiplexer) { m.reporter = r }
}

// New creates a multiplexer. cfg may be nil, in which case defaults apply.
// The factory opens physical connections; the adapter executes operations.
func New(cfg *config.Config, factory pool.Factory, adapter Adapter, opts ...Option) (*Multiplexer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "connection factory must not be nil")
	}
	if adapter == nil {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "execution adapter must not be nil")
	}

	m := &Multiplexer{
		cfg:     cfg,
		logger:  zap.NewNop(),
		adapter: adapter,
		factory: factory,
		queue:   queue.New[*pendingRequest](),
		stats:   newStatsTracker(),
		stopCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(
		zap.String("component", "mux"),
		zap.String("mux_name", cfg.Name))

	if m.reporter == nil {
		if cfg.Observability.EnableMetrics {
			m.reporter = metrics.NewPromReporter()
		} else {
			m.reporter = metrics.NopReporter{}
		}
	}

	return m, nil
}

// Start opens the pool's minimum connections and launches the scheduler.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return qerrors.New(qerrors.ErrorTypeValidation, "multiplexer already started")
	}
	if m.closed {
		return qerrors.New(qerrors.ErrorTypeValidation, "multiplexer is closed")
	}

	poolOpts := []pool.Option{pool.WithLogger(m.logger)}
	if pr, ok := m.reporter.(pool.Reporter); ok {
		poolOpts = append(poolOpts, pool.WithReporter(pr))
	}

	p, err := pool.New(ctx, pool.Config{
		MinConnections: m.cfg.Pool.MinConnections,
		MaxConnections: m.cfg.Pool.MaxConnections,
		AcquireTimeout: m.cfg.Pool.AcquireTimeout,
		ConnectTimeout: m.cfg.Timeouts.Connect,
	}, m.factory, poolOpts...)
	if err != nil {
		return err
	}
	m.pool = p
	m.started = true

	m.wg.Add(1)
	go m.runScheduler(ctx)

	m.logger.Info("multiplexer started",
		zap.Duration("tick_interval", m.cfg.Scheduler.TickInterval),
		zap.Int("max_batch_size", m.cfg.Scheduler.MaxBatchSize))
	return nil
}

// Submit enqueues one operation and returns immediately with a Future that
// resolves when the operation completes, fails, or times out in queue.
// A non-positive timeout falls back to scheduler.default_query_timeout.
func (m *Multiplexer) Submit(ctx context.Context, op Operation, priority Priority, timeout time.Duration) (*Future, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if priority < PriorityLow || priority > PriorityHigh {
		return nil, qerrors.Newf(qerrors.ErrorTypeValidation, "invalid priority %d", priority)
	}
	if err := ctx.Err(); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrorTypeValidation, "submit context done")
	}

	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "multiplexer is not running")
	}
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.cfg.Scheduler.DefaultQueryTimeout
	}

	req := &pendingRequest{
		id:         uuid.NewString(),
		op:         op,
		priority:   priority,
		timeout:    timeout,
		enqueuedAt: time.Now(),
		future:     newFuture(),
	}

	m.stats.recordSubmission()
	m.queue.Insert(req)
	m.reportQueueDepth()
	req.armTimer(func() { m.evict(req) })

	m.logger.Debug("request submitted",
		zap.String("request_id", req.id),
		zap.String("operation", op.Kind.String()),
		zap.String("collection", op.Collection),
		zap.String("priority", priority.String()),
		zap.Duration("timeout", timeout))

	return req.future, nil
}

// evict is the timeout path. Removal from the queue decides the race: if the
// request is gone it already belongs to a batch and the execution path owns
// completion.
func (m *Multiplexer) evict(req *pendingRequest) {
	if !m.queue.Remove(req.id) {
		return
	}

	err := qerrors.Newf(qerrors.ErrorTypeTimeout,
		"request timed out after %s waiting in queue", req.timeout).
		WithDetail("request_id", req.id).
		WithDetail("operation", req.op.Kind.String())

	if req.future.complete(nil, err) {
		m.stats.recordTimeout()
		m.report(func(r Reporter) {
			r.QueryCompleted(req.priority.String(), "timeout", time.Since(req.enqueuedAt))
		})
		m.reportQueueDepth()

		m.logger.Debug("request evicted on timeout",
			zap.String("request_id", req.id),
			zap.Duration("timeout", req.timeout))
	}
}

// Statistics returns a snapshot of multiplexer activity.
func (m *Multiplexer) Statistics() Statistics {
	s := Statistics{
		TotalQueries:     m.stats.totalQueries.Load(),
		BatchedQueries:   m.stats.batchedQueries.Load(),
		FailedQueries:    m.stats.failedQueries.Load(),
		TimedOutQueries:  m.stats.timedOutQueries.Load(),
		AverageBatchSize: m.stats.batchSizes.Average(),
		AverageLatencyMs: m.stats.latencies.Average(),
		QueueDepth:       m.queue.Depth(),
	}
	if m.pool != nil {
		s.PoolUtilizationPercent = m.pool.Stats().UtilizationPercent
	}
	return s
}

// Health derives a health verdict from current statistics and the configured
// thresholds.
func (m *Multiplexer) Health() Health {
	return evaluateHealth(m.Statistics(), m.cfg.Observability.Thresholds)
}

// Close stops the scheduler after its current batch and tears down the pool.
// Requests still queued are left to their timeout timers, which resolve them
// with a timeout error.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if !started {
		return nil
	}

	err := m.pool.Close(ctx)
	m.logger.Info("multiplexer closed")
	return err
}

// report invokes a reporter hook, containing panics so a misbehaving metrics
// sink cannot affect query execution.
func (m *Multiplexer) report(fn func(Reporter)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("metrics reporter panicked", zap.Any("panic", r))
		}
	}()
	fn(m.reporter)
}

func (m *Multiplexer) reportQueueDepth() {
	depth := m.queue.Depth()
	m.report(func(r Reporter) { r.QueueDepthChanged(depth) })
}
