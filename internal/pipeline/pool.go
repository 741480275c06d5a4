package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/audiosocket-agent/internal/metrics"
)

// Pool bounds the number of stage calls running at once across all calls.
// Work runs on its own goroutine so a caller whose context ends stops
// waiting immediately; the late result is discarded.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
	metrics  *metrics.Metrics
}

// NewPool creates a pool running at most size tasks concurrently
func NewPool(size int, m *metrics.Metrics) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		metrics: m,
	}, nil
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return int(p.size)
}

// InFlight returns the number of tasks currently holding a slot
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Run runs fn in the pool and returns its result. If ctx ends first, Run
// returns ctx.Err() and the result of fn is dropped when it arrives.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	p.inFlight.Add(1)
	p.metrics.AddPoolInFlight(1)

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			p.inFlight.Add(-1)
			p.metrics.AddPoolInFlight(-1)
			p.sem.Release(1)
		}()

		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
