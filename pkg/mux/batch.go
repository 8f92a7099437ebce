package mux

import (
	"time"

	"github.com/google/uuid"
)

// queryBatch is a transient grouping of requests chosen for concurrent
// execution in one scheduler tick. It has no identity beyond the tick that
// formed it.
type queryBatch struct {
	id       string
	requests []*pendingRequest
	priority Priority      // highest priority among members
	estimate time.Duration // static cost hint, observability only
}

func newBatch(requests []*pendingRequest) *queryBatch {
	b := &queryBatch{
		id:       uuid.NewString(),
		requests: requests,
		priority: PriorityLow,
	}
	for _, req := range requests {
		if req.priority > b.priority {
			b.priority = req.priority
		}
		b.estimate += req.op.Kind.costHint()
	}
	return b
}

func (b *queryBatch) size() int {
	return len(b.requests)
}
