package mux

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stratoslabs/qmux/pkg/metrics"
	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// runScheduler drives batch formation on a fixed tick. One batch is in
// flight at a time: tick runs synchronously, so a long batch simply delays
// the next wake-up instead of stacking batches.
func (m *Multiplexer) runScheduler(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick forms and executes one batch. A failure escaping batch formation is
// contained here: the tick is skipped, requests not yet drained stay queued
// and are retried on the next tick.
func (m *Multiplexer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scheduler tick failed, skipping",
				zap.Any("panic", r))
		}
	}()

	depth := m.queue.Depth()
	if depth == 0 {
		return
	}

	// At least one slot even when the pool is fully busy: the attempt may
	// grow the pool, and if not it waits on a release, so progress is
	// guaranteed either way.
	slots := m.pool.Stats().Idle
	if slots < 1 {
		slots = 1
	}

	batchSize := m.cfg.Scheduler.MaxBatchSize
	if depth < batchSize {
		batchSize = depth
	}
	if slots < batchSize {
		batchSize = slots
	}

	requests := m.queue.Drain(batchSize)
	if len(requests) == 0 {
		return
	}
	m.reportQueueDepth()

	batch := newBatch(requests)
	m.logger.Debug("batch formed",
		zap.String("batch_id", batch.id),
		zap.Int("size", batch.size()),
		zap.String("priority", batch.priority.String()),
		zap.Duration("estimate", batch.estimate))

	timer := metrics.NewTimer("batch_execution")
	done := make(chan struct{}, batch.size())
	for _, req := range batch.requests {
		go func(r *pendingRequest) {
			defer func() { done <- struct{}{} }()
			m.executeOne(ctx, batch.id, r)
		}(req)
	}
	for range batch.requests {
		<-done
	}
	elapsed := timer.Stop()

	m.stats.recordBatch(batch.size())
	m.report(func(r Reporter) { r.BatchExecuted(batch.size(), elapsed) })

	m.logger.Debug("batch executed",
		zap.String("batch_id", batch.id),
		zap.Int("size", batch.size()),
		zap.Duration("elapsed", elapsed))
}

// executeOne runs a single batch member: acquire a connection, execute the
// operation, resolve the future, release the connection. Failures here are
// isolated to this member; siblings run to completion regardless.
func (m *Multiplexer) executeOne(ctx context.Context, batchID string, req *pendingRequest) {
	// The batch owns completion from here; the queue removal race is already
	// decided, stopping the timer just avoids a pointless wake-up.
	req.stopTimer()

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("execution adapter panicked",
				zap.String("request_id", req.id),
				zap.Any("panic", r))
			m.finish(req, nil, qerrors.Newf(qerrors.ErrorTypeQuery,
				"execution adapter panicked: %v", r), start)
		}
	}()

	conn, err := m.pool.Acquire(ctx, req.id)
	if err != nil {
		m.finish(req, nil, err, start)
		return
	}
	defer m.pool.Release(conn)

	result, err := m.adapter.Execute(ctx, conn, req.op)
	if err != nil {
		m.finish(req, nil, qerrors.Wrap(err, qerrors.ErrorTypeQuery, "executing operation").
			WithDetail("request_id", req.id).
			WithDetail("batch_id", batchID).
			WithDetail("operation", req.op.Kind.String()).
			WithDetail("collection", req.op.Collection), start)
		return
	}

	m.finish(req, result, nil, start)
}

// finish resolves a request's future and records per-query statistics.
// Completion may have already happened (a timeout that won the race before
// this member was drained is impossible by construction, but a panic path
// can reach finish twice); only the winning completion is counted.
func (m *Multiplexer) finish(req *pendingRequest, result Result, err error, start time.Time) {
	latency := time.Since(start)
	if !req.future.complete(result, err) {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
		m.stats.recordFailure()
	}
	m.stats.recordLatency(latency)
	m.report(func(r Reporter) {
		r.QueryCompleted(req.priority.String(), status, latency)
	})
}
