package output

import (
	"context"
	"sync"

	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/task"
	"golang.org/x/time/rate"
)

var sharedLimiter = rate.NewLimiter(rate.Every(NotifyInterval), 1)

type progressValue struct {
	percent int
	loaded  int64
}

type throttled struct {
	inner   engine.Indicator
	queue   *dispatch.Queue
	limiter *rate.Limiter

	mu      sync.Mutex
	pending *progressValue // latest update dropped by the budget
}

// Throttled marshals every indicator call onto q. Progress updates share one
// process-wide budget and are dropped when over it; terminal updates wait
// out the budget so they always land after any pending progress, and the
// last dropped progress is delivered just before them.
func Throttled(ind engine.Indicator, q *dispatch.Queue) engine.Indicator {
	return newThrottled(ind, q, sharedLimiter)
}

func newThrottled(ind engine.Indicator, q *dispatch.Queue, limiter *rate.Limiter) *throttled {
	if q == nil {
		q = dispatch.Main()
	}
	return &throttled{inner: ind, queue: q, limiter: limiter}
}

func (t *throttled) post(fn func()) {
	t.queue.Post(context.Background(), func(context.Context) { fn() })
}

func (t *throttled) postAfterBudget(fn func()) {
	delay := t.limiter.Reserve().Delay()
	t.queue.PostDelayed(func(context.Context) { fn() }, delay)
}

func (t *throttled) Init(snap task.Snapshot) {
	t.post(func() { t.inner.Init(snap) })
}

func (t *throttled) PreStart() {
	t.post(t.inner.PreStart)
}

func (t *throttled) OnProgress(percent int, loaded int64) {
	t.mu.Lock()
	if !t.limiter.Allow() {
		t.pending = &progressValue{percent: percent, loaded: loaded}
		t.mu.Unlock()
		return
	}
	t.pending = nil
	t.mu.Unlock()
	t.post(func() { t.inner.OnProgress(percent, loaded) })
}

func (t *throttled) takePending() *progressValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

// settle posts the final state after the budget, preceded by any progress
// the budget swallowed.
func (t *throttled) settle(final func()) {
	last := t.takePending()
	t.postAfterBudget(func() {
		if last != nil {
			t.inner.OnProgress(last.percent, last.loaded)
		}
		final()
	})
}

func (t *throttled) OnPaused() {
	t.settle(t.inner.OnPaused)
}

func (t *throttled) OnFinished() {
	t.settle(t.inner.OnFinished)
}

func (t *throttled) Cancel() {
	t.postAfterBudget(t.inner.Cancel)
}

func (t *throttled) UpdateTitle(snap task.Snapshot) {
	t.post(func() { t.inner.UpdateTitle(snap) })
}

func (t *throttled) RemoveCancelAction() {
	t.post(t.inner.RemoveCancelAction)
}
