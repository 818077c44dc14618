package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs one scattered input with its outcome.
type Result[In, Out any] struct {
	Input In
	Value Out
	Err   error
}

// Scatter calls fn for every input with at most limit calls in flight and
// returns the outcomes in input order. A failing item never cancels the
// others; the caller decides what each error means.
func Scatter[In, Out any](ctx context.Context, limit int, inputs []In, fn func(context.Context, In) (Out, error)) []Result[In, Out] {
	results := make([]Result[In, Out], len(inputs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			out, err := fn(ctx, in)
			results[i] = Result[In, Out]{Input: in, Value: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
