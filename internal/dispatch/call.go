package dispatch

import (
	"context"
	"fmt"
	"time"
)

type outcome[T any] struct {
	val T
	err error
}

// rendezvous is a single-slot handoff. Each Call allocates its own and never
// lets it escape, so only the caller that posted the work can receive from it.
type rendezvous[T any] struct {
	ch chan outcome[T]
}

func newRendezvous[T any]() *rendezvous[T] {
	return &rendezvous[T]{ch: make(chan outcome[T], 1)}
}

func (r *rendezvous[T]) deliver(val T, err error) {
	select {
	case r.ch <- outcome[T]{val: val, err: err}:
	default:
	}
}

func (r *rendezvous[T]) wait(ctx context.Context, timeout time.Duration, quit <-chan struct{}) (T, error) {
	var zero T
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case out := <-r.ch:
		return out.val, out.err
	case <-timer:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-quit:
		// quit may race a delivery that already happened
		select {
		case out := <-r.ch:
			return out.val, out.err
		default:
		}
		return zero, ErrQuit
	}
}

// Call runs fn on q and blocks until it returns. Called from q itself, fn
// runs inline.
func Call[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	return CallWithTimeout(ctx, q, fn, 0)
}

// CallWithTimeout is Call bounded by timeout; zero means no bound. A timed
// out fn still runs later, its result is dropped.
func CallWithTimeout[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error), timeout time.Duration) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if OnQueue(ctx, q) {
		return fn(ctx)
	}
	r := newRendezvous[T]()
	posted := q.enqueue(func(qctx context.Context) {
		var (
			val T
			err error
		)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("dispatch: call on %s panicked: %v", q.name, p)
			}
			r.deliver(val, err)
		}()
		val, err = fn(qctx)
	})
	if !posted {
		var zero T
		return zero, ErrQuit
	}
	return r.wait(ctx, timeout, q.quit)
}
