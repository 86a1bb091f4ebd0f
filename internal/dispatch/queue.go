package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrQuit         = errors.New("dispatch: queue has quit")
	ErrAlreadyBound = errors.New("dispatch: queue loop already running")
	ErrTimeout      = errors.New("dispatch: call timed out")
	ErrOnMainQueue  = errors.New("dispatch: blocking call issued from the main queue")
)

// Work is a unit executed by a queue. ctx identifies the executing queue, so
// work that posts back to the same queue runs inline.
type Work func(ctx context.Context)

type queueKey struct{}

// Queue is a FIFO of work executed by exactly one goroutine.
type Queue struct {
	name     string
	mu       sync.Mutex
	items    []Work
	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	bound    atomic.Bool
}

// NewQueue creates a queue and starts its loop on a new goroutine.
func NewQueue(name string) *Queue {
	q := NewBoundQueue(name)
	go q.Loop(context.Background())
	return q
}

// NewBoundQueue creates a queue whose loop the caller runs with Loop, binding
// it to the caller's goroutine.
func NewBoundQueue(name string) *Queue {
	return &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (q *Queue) Name() string {
	return q.name
}

// Loop executes posted work in order until Quit is called or ctx ends.
func (q *Queue) Loop(ctx context.Context) error {
	if !q.bound.CompareAndSwap(false, true) {
		return ErrAlreadyBound
	}
	bound := context.WithValue(ctx, queueKey{}, q)
	for {
		select {
		case <-q.quit:
			return nil
		default:
		}
		w, ok := q.next()
		if ok {
			q.run(bound, w)
			continue
		}
		select {
		case <-q.wake:
		case <-q.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) next() (Work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w, true
}

func (q *Queue) run(ctx context.Context, w Work) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("op", "dispatch/queue").Str("queue", q.name).Msgf("work panicked: %v", r)
		}
	}()
	w(ctx)
}

func (q *Queue) enqueue(w Work) bool {
	q.mu.Lock()
	select {
	case <-q.quit:
		q.mu.Unlock()
		return false
	default:
	}
	q.items = append(q.items, w)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Post runs w inline when ctx is already on q, otherwise appends it.
func (q *Queue) Post(ctx context.Context, w Work) {
	if OnQueue(ctx, q) {
		w(ctx)
		return
	}
	if !q.enqueue(w) {
		log.Debug().Str("op", "dispatch/queue").Str("queue", q.name).Msg("post after quit dropped")
	}
}

func (q *Queue) PostDelayed(w Work, delay time.Duration) {
	if delay <= 0 {
		q.enqueue(w)
		return
	}
	time.AfterFunc(delay, func() {
		q.enqueue(w)
	})
}

// PostBlocking posts w and blocks until the queue has executed it.
func (q *Queue) PostBlocking(ctx context.Context, w Work) error {
	_, err := Call(ctx, q, func(ctx context.Context) (struct{}, error) {
		w(ctx)
		return struct{}{}, nil
	})
	return err
}

// Quit stops the loop. Pending work is discarded and blocked callers get ErrQuit.
func (q *Queue) Quit() {
	q.quitOnce.Do(func() {
		q.mu.Lock()
		close(q.quit)
		q.items = nil
		q.mu.Unlock()
	})
}

func (q *Queue) String() string {
	return fmt.Sprintf("queue(%s)", q.name)
}

// OnQueue reports whether ctx belongs to work executing on q.
func OnQueue(ctx context.Context, q *Queue) bool {
	if ctx == nil || q == nil {
		return false
	}
	cur, _ := ctx.Value(queueKey{}).(*Queue)
	return cur == q
}

var (
	mainOnce  sync.Once
	mainQueue *Queue
)

// Main returns the process-wide main queue.
func Main() *Queue {
	mainOnce.Do(func() {
		mainQueue = NewQueue("main")
	})
	return mainQueue
}

func IsMain(ctx context.Context) bool {
	return OnQueue(ctx, Main())
}
