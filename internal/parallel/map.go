// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to every element of seq using at most limit goroutines.
// Results are yielded in the order of completion. Map is context aware:
// canceled ctx, or a consumer which stops the iteration, ends the processing
// and waits for the workers in flight.
//
//	for result, err := range parallel.Map(ctx, 4, input, fn) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		mapped := make(chan result[D], limit)
		var g errgroup.Group
		g.SetLimit(limit)
		go func() {
			defer close(mapped)
			for e := range seq {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := mapFunc(ctx, e)
					select {
					case mapped <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		defer func() {
			cancel()
			// drain, so the feeder can finish
			for range mapped {
			}
		}()
		for r := range mapped {
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
