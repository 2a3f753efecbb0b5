// Package parallel runs batches of independent items over a bounded worker
// pool. Results are index-tagged: results[i] always corresponds to items[i]
// regardless of completion order. Side-effect ordering across items is not
// guaranteed.
package parallel

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/voxmill/voxmill/internal/model"
)

// Result is the outcome of one item in a batch.
type Result[R any] struct {
	Value R
	Err   error
}

// RunBatch executes fn over items with at most maxConcurrency in flight.
// maxConcurrency <= 0 means runtime.NumCPU().
//
// Cancellation is cooperative: the context is checked before each item is
// dispatched, and items that never started carry model.ErrCancelled in their
// result slot. In-flight items run to completion (or to their own internal
// cancellation checkpoint). RunBatch itself returns ctx.Err() when the
// context was cancelled, and nil otherwise — per-item failures live only in
// the result slots.
func RunBatch[T, R any](ctx context.Context, items []T, maxConcurrency int, fn func(ctx context.Context, i int, item T) (R, error)) ([]Result[R], error) {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	var wg sync.WaitGroup

	cancelled := false
	for i := range items {
		if err := ctx.Err(); err != nil {
			// Mark this and all remaining items as never started.
			for j := i; j < len(items); j++ {
				results[j].Err = model.ErrCancelled
			}
			cancelled = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(items); j++ {
				results[j].Err = model.ErrCancelled
			}
			cancelled = true
			break
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			v, err := fn(ctx, i, items[i])
			results[i] = Result[R]{Value: v, Err: err}
		}(i)
	}

	wg.Wait()

	if cancelled {
		return results, ctx.Err()
	}
	return results, nil
}
