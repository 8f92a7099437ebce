package mux

import (
	"context"
	"sync"
	"time"

	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// Priority determines queue precedence. Higher priorities drain first;
// within a tier, requests drain in arrival order.
type Priority int

const (
	// PriorityLow is for background work
	PriorityLow Priority = iota
	// PriorityMedium is the default tier
	PriorityMedium
	// PriorityHigh jumps ahead of all queued lower-priority requests
	PriorityHigh
)

// String returns the priority's wire name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, qerrors.Newf(qerrors.ErrorTypeValidation, "unknown priority %q", s)
	}
}

// OpKind is the closed set of operation kinds the multiplexer forwards to
// its execution adapter. The multiplexer itself attaches no meaning beyond
// the coarse cost hint used for batch observability.
type OpKind int

const (
	// OpFind reads records matching a filter
	OpFind OpKind = iota
	// OpCreate inserts one record
	OpCreate
	// OpUpdate mutates records matching a filter
	OpUpdate
	// OpDelete removes records matching a filter
	OpDelete
	// OpAggregate computes an aggregate over matching records
	OpAggregate
	// OpCount counts matching records
	OpCount
)

// String returns the operation kind's wire name.
func (k OpKind) String() string {
	switch k {
	case OpFind:
		return "find"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpAggregate:
		return "aggregate"
	case OpCount:
		return "count"
	default:
		return "unknown"
	}
}

// costHint is a coarse static execution-time estimate per operation kind.
// It feeds the batch's estimated-duration hint and nothing else; admission
// control never consults it.
func (k OpKind) costHint() time.Duration {
	switch k {
	case OpAggregate:
		return 25 * time.Millisecond
	case OpCount:
		return 10 * time.Millisecond
	case OpUpdate:
		return 8 * time.Millisecond
	default:
		return 5 * time.Millisecond
	}
}

// Operation is one opaque unit of data-access work: a kind, a target
// collection and adapter-interpreted parameters.
type Operation struct {
	Kind       OpKind                 `json:"kind"`
	Collection string                 `json:"collection"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Validate checks the operation for structural problems.
func (op Operation) Validate() error {
	if op.Kind < OpFind || op.Kind > OpCount {
		return qerrors.Newf(qerrors.ErrorTypeValidation, "invalid operation kind %d", op.Kind)
	}
	if op.Collection == "" {
		return qerrors.New(qerrors.ErrorTypeValidation, "operation collection must not be empty")
	}
	return nil
}

// Result is the opaque value an execution adapter returns for one operation.
type Result interface{}

// Future delivers one request's outcome asynchronously. Exactly one of
// success, execution error or timeout is ever delivered.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future. It reports whether this call won the
// completion race; losers must treat the request as no longer theirs.
func (f *Future) complete(result Result, err error) bool {
	won := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, qerrors.Wrap(ctx.Err(), qerrors.ErrorTypeTimeout, "waiting for result")
	}
}

// pendingRequest is one caller's queued request.
type pendingRequest struct {
	id         string
	op         Operation
	priority   Priority
	timeout    time.Duration
	enqueuedAt time.Time
	future     *Future

	timerMu sync.Mutex
	timer   *time.Timer
}

// ItemID implements queue.Item.
func (r *pendingRequest) ItemID() string { return r.id }

// ItemPriority implements queue.Item.
func (r *pendingRequest) ItemPriority() int { return int(r.priority) }

// armTimer schedules the timeout eviction callback.
func (r *pendingRequest) armTimer(fn func()) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	r.timer = time.AfterFunc(r.timeout, fn)
}

// stopTimer cancels the eviction timer once the request is owned by a batch.
// Stopping an already-fired timer is harmless; the eviction path loses the
// queue removal race and backs off.
func (r *pendingRequest) stopTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}
