package client

import (
	"context"
)

// Future is the pending result of an asynchronous operation.
type Future[T any] struct {
	req    *request
	decode func(*request) (T, error)
}

func newFuture[T any](req *request, decode func(*request) (T, error)) *Future[T] {
	return &Future[T]{req: req, decode: decode}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.req.done
}

// Get waits for the result. A cancelled ctx only stops the wait; the operation itself stays
// outstanding and its result is still delivered to OnComplete callbacks.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.req.done:
		return f.decode(f.req)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete calls cb with the result on the notification goroutine. Callbacks of requests
// submitted by one client run in submission order.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.req.onComplete(func() {
		cb(f.decode(f.req))
	})
}
