// Package memory provides an in-memory execution adapter and connection
// factory. It backs the demo CLI and tests: connections are lightweight
// handles and collections are plain maps, optionally with simulated
// per-operation latency.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratoslabs/qmux/pkg/mux"
	"github.com/stratoslabs/qmux/pkg/pool"
	"github.com/stratoslabs/qmux/pkg/qerrors"
)

// Conn is a no-op connection handle.
type Conn struct {
	id string
}

// ID implements pool.Connection.
func (c *Conn) ID() string { return c.id }

// Close implements pool.Connection.
func (c *Conn) Close(_ context.Context) error { return nil }

// Factory returns a pool.Factory minting in-memory connections.
func Factory() pool.Factory {
	return func(_ context.Context) (pool.Connection, error) {
		return &Conn{id: uuid.NewString()}, nil
	}
}

// Adapter is an in-memory implementation of mux.Adapter. Collections are
// named slices of records; filters match on equality of every filter key.
type Adapter struct {
	mu      sync.RWMutex
	tables  map[string][]map[string]interface{}
	latency time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLatency adds a fixed artificial delay to every operation, useful for
// exercising batching and backpressure in demos.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// New creates an empty in-memory adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{tables: make(map[string][]map[string]interface{})}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Seed replaces a collection's contents.
func (a *Adapter) Seed(collection string, rows []map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		copied[i] = cloneRow(row)
	}
	a.tables[collection] = copied
}

// Execute implements mux.Adapter.
func (a *Adapter) Execute(ctx context.Context, _ pool.Connection, op mux.Operation) (mux.Result, error) {
	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch op.Kind {
	case mux.OpFind:
		return a.find(op)
	case mux.OpCreate:
		return a.create(op)
	case mux.OpUpdate:
		return a.update(op)
	case mux.OpDelete:
		return a.delete(op)
	case mux.OpCount:
		return a.count(op)
	case mux.OpAggregate:
		return a.aggregate(op)
	default:
		return nil, qerrors.Newf(qerrors.ErrorTypeValidation, "unsupported operation kind %s", op.Kind)
	}
}

func (a *Adapter) find(op mux.Operation) (mux.Result, error) {
	filter := mapParam(op.Params, "filter")

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []map[string]interface{}
	for _, row := range a.tables[op.Collection] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (a *Adapter) create(op mux.Operation) (mux.Result, error) {
	record := mapParam(op.Params, "record")
	if len(record) == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "create requires a non-empty record param")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[op.Collection] = append(a.tables[op.Collection], cloneRow(record))
	return cloneRow(record), nil
}

func (a *Adapter) update(op mux.Operation) (mux.Result, error) {
	filter := mapParam(op.Params, "filter")
	set := mapParam(op.Params, "set")
	if len(set) == 0 {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "update requires a non-empty set param")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	updated := 0
	for _, row := range a.tables[op.Collection] {
		if matches(row, filter) {
			for k, v := range set {
				row[k] = v
			}
			updated++
		}
	}
	return updated, nil
}

func (a *Adapter) delete(op mux.Operation) (mux.Result, error) {
	filter := mapParam(op.Params, "filter")

	a.mu.Lock()
	defer a.mu.Unlock()

	rows := a.tables[op.Collection]
	kept := rows[:0]
	deleted := 0
	for _, row := range rows {
		if matches(row, filter) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	a.tables[op.Collection] = kept
	return deleted, nil
}

func (a *Adapter) count(op mux.Operation) (mux.Result, error) {
	filter := mapParam(op.Params, "filter")

	a.mu.RLock()
	defer a.mu.RUnlock()

	count := 0
	for _, row := range a.tables[op.Collection] {
		if matches(row, filter) {
			count++
		}
	}
	return count, nil
}

func (a *Adapter) aggregate(op mux.Operation) (mux.Result, error) {
	fn, _ := op.Params["function"].(string)
	column, _ := op.Params["column"].(string)
	if column == "" {
		return nil, qerrors.New(qerrors.ErrorTypeValidation, "aggregate requires a column param")
	}
	filter := mapParam(op.Params, "filter")

	a.mu.RLock()
	defer a.mu.RUnlock()

	var values []float64
	for _, row := range a.tables[op.Collection] {
		if !matches(row, filter) {
			continue
		}
		if v, ok := toFloat(row[column]); ok {
			values = append(values, v)
		}
	}

	if len(values) == 0 {
		return float64(0), nil
	}

	switch fn {
	case "sum", "avg":
		var sum float64
		for _, v := range values {
			sum += v
		}
		if fn == "avg" {
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	default:
		return nil, qerrors.Newf(qerrors.ErrorTypeValidation, "unsupported aggregate function %q", fn)
	}
}

func mapParam(params map[string]interface{}, key string) map[string]interface{} {
	if params == nil {
		return nil
	}
	m, _ := params[key].(map[string]interface{})
	return m
}

func matches(row, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok {
			return false
		}
		if gf, gok := toFloat(got); gok {
			if wf, wok := toFloat(want); wok {
				if gf != wf {
					return false
				}
				continue
			}
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func cloneRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
