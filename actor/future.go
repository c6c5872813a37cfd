package actor

import (
	"context"
	"sync"
)

// Future is resolved exactly once, either with a value or with an error.
// Later resolutions are ignored.
type Future[T any] struct {
	context.Context
	settle context.CancelCauseFunc

	once  sync.Once
	value T
}

func NewFuture[T any]() *Future[T] {
	ctx, settle := context.WithCancelCause(context.Background())
	return &Future[T]{
		Context: ctx,
		settle:  settle,
	}
}

// Resolve completes the future with v. It reports whether this call was the
// one that settled it.
func (f *Future[T]) Resolve(v T) (settled bool) {
	f.once.Do(func() {
		f.value = v
		f.settle(nil)
		settled = true
	})
	return
}

// Reject completes the future with err.
func (f *Future[T]) Reject(err error) (settled bool) {
	f.once.Do(func() {
		f.settle(err)
		settled = true
	})
	return
}

// Result blocks until the future settles or ctx is done.
func (f *Future[T]) Result(ctx context.Context) (v T, err error) {
	select {
	case <-f.Done():
	case <-ctx.Done():
		return v, ctx.Err()
	}
	switch err = context.Cause(f); err {
	case context.Canceled:
		return f.value, nil
	}
	return
}
