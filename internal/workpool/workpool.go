// Package workpool runs independent jobs on a bounded set of goroutines and
// hands back per-job outcomes keyed by the job's identity.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one job
type Result[K comparable, R any] struct {
	Key   K
	Value R
	Err   error
}

// Pool bounds the number of jobs running at once
type Pool struct {
	workers int
}

// New creates a pool. A non-positive worker count uses runtime.NumCPU().
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the concurrency limit
func (p *Pool) Workers() int {
	return p.workers
}

// Run applies fn to every item and returns one Result per item, in input
// order, each tagged with key(item). A failing job does not stop the others.
// Once ctx is done, jobs that have not started are reported with ctx.Err()
// and Run returns that error as well.
func Run[T any, K comparable, R any](ctx context.Context, p *Pool, items []T,
	key func(T) K, fn func(ctx context.Context, item T) (R, error)) ([]Result[K, R], error) {

	results := make([]Result[K, R], len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, item := range items {
		results[i].Key = key(item)
		if err := gctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			value, err := fn(gctx, item)
			results[i].Value = value
			results[i].Err = err
			return nil
		})
	}

	_ = g.Wait()
	return results, ctx.Err()
}

// Index maps each result's key to its outcome. Later duplicates win.
func Index[K comparable, R any](results []Result[K, R]) map[K]Result[K, R] {
	out := make(map[K]Result[K, R], len(results))
	for _, r := range results {
		out[r.Key] = r
	}
	return out
}
