// Package settle runs a batch of independent operations and collects every
// outcome. Unlike errgroup's first-error semantics, a failing item never
// cancels or hides its siblings: callers always get one Result per input.
package settle

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Result is the settled value of one item.
type Result[T any] struct {
	Value T
	Err   error
}

// OK reports whether the item settled without error.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Each calls fn for every item and returns the results in input order.
// At most limit calls run at once; limit <= 0 means no limit. A panic in fn
// settles that item with an error and a zero Value; callers needing the
// item's identity take it from items[i].
func Each[In, Out any](ctx context.Context, items []In, limit int, fn func(ctx context.Context, i int, item In) (Out, error)) []Result[Out] {
	results := make([]Result[Out], len(items))
	if len(items) == 0 {
		return results
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, item := range items {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					results[i] = Result[Out]{Err: fmt.Errorf("item %d panicked: %v", i, p)}
				}
			}()
			v, err := fn(ctx, i, item)
			// Each goroutine owns slot i.
			results[i] = Result[Out]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Partition splits results into the indexes that succeeded and failed.
func Partition[T any](results []Result[T]) (ok, failed []int) {
	for i, r := range results {
		if r.OK() {
			ok = append(ok, i)
		} else {
			failed = append(failed, i)
		}
	}
	return ok, failed
}
