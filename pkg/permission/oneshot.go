package permission

import (
	"context"
	"sync"
)

// OneShot is a single-use rendezvous between a resolver and one waiter.
// Resolve may be called from a different goroutine than Wait; only the first
// Resolve wins.
type OneShot[T any] struct {
	once sync.Once
	ch   chan T
}

// NewOneShot creates an unresolved OneShot.
func NewOneShot[T any]() *OneShot[T] {
	return &OneShot[T]{ch: make(chan T, 1)}
}

// Resolve delivers the value. Returns false if already resolved.
func (o *OneShot[T]) Resolve(v T) bool {
	won := false
	o.once.Do(func() {
		o.ch <- v
		won = true
	})
	return won
}

// Wait blocks until the value is delivered or ctx is done.
func (o *OneShot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-o.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
