package capture

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Guard bounds calls into grab functions that cannot be cancelled. At most
// one call is in flight; a call still running when the next tick arrives
// makes that tick empty instead of stacking goroutines.
type Guard struct {
	busy atomic.Bool
}

// Bounded runs fn under g and returns its result, or an ErrNoFrame error if
// ctx expires first or a previous call has not returned yet.
func Bounded[T any](ctx context.Context, g *Guard, fn func() (T, error)) (T, error) {
	var zero T
	if !g.busy.CompareAndSwap(false, true) {
		return zero, fmt.Errorf("%w: previous grab still running", ErrNoFrame)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer g.busy.Store(false)
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", ErrNoFrame, ctx.Err())
	}
}
