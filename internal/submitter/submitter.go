// Package submitter schedules download tasks through their lifecycle: a start
// job resolves the target, a worker pool runs the transfer, and a completion
// job maps the result back onto the task and its listeners.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/opener"
	"github.com/tanq16/haul/internal/registry"
	"github.com/tanq16/haul/internal/scheduler"
	"github.com/tanq16/haul/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("submitter: url already in flight")
	ErrShutdown       = errors.New("submitter: shut down")
	ErrNotPaused      = errors.New("submitter: task is not paused")
	ErrInCallback     = errors.New("submitter: blocking submit from a callback that must return first")
)

const DefaultWorkers = 3

// IndicatorFactory builds the progress indicator for a task that asked for one.
type IndicatorFactory func(snap task.Snapshot) engine.Indicator

type Options struct {
	Workers    int
	Deps       engine.Deps
	MainQueue  *dispatch.Queue
	Indicators IndicatorFactory
	Opener     opener.Opener
}

type pausedEntry struct {
	task      *task.Task
	indicator engine.Indicator
}

type Submitter struct {
	deps       engine.Deps
	main       *dispatch.Queue
	indicators IndicatorFactory
	opener     opener.Opener

	enqueue    *scheduler.Pool
	completion *scheduler.Pool
	parallel   *scheduler.Pool
	serial     *scheduler.Pool
	registry   *registry.Registry

	mu     sync.Mutex
	paused map[string]pausedEntry

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New(opts Options) *Submitter {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MainQueue == nil {
		opts.MainQueue = dispatch.Main()
	}
	deps := opts.Deps
	deps.MainQueue = opts.MainQueue
	ctx, cancel := context.WithCancel(context.Background())
	return &Submitter{
		deps:       deps,
		main:       opts.MainQueue,
		indicators: opts.Indicators,
		opener:     opts.Opener,
		enqueue:    scheduler.NewPool("enqueue", 1),
		completion: scheduler.NewPool("completion", 1),
		parallel:   scheduler.NewPool("parallel", opts.Workers),
		serial:     scheduler.NewPool("serial", 1),
		registry:   registry.New(),
		paused:     make(map[string]pausedEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit schedules t asynchronously. Only one transfer per URL may be in
// flight; a finished or paused task is reset before it is resubmitted.
func (s *Submitter) Submit(t *task.Task) error {
	return s.submit(t, nil)
}

func (s *Submitter) submit(t *task.Task, ind engine.Indicator) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	cfg := t.Config()
	t.SetStatusQueue(s.main)
	if ind == nil && cfg.EnableIndicator && s.indicators != nil {
		ind = s.indicators(t.Snapshot())
	}
	eng := engine.New(t, s.deps, ind)
	if !s.registry.Register(cfg.URL, eng) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.URL)
	}
	if t.Status() != task.StatusNew {
		if err := t.Reset(); err != nil {
			s.registry.Unregister(cfg.URL)
			return err
		}
	}
	t.Arm()
	if err := t.Transition(task.StatusPending); err != nil {
		s.registry.Unregister(cfg.URL)
		return err
	}
	log.Debug().Str("op", "submitter/submit").Str("url", cfg.URL).Str("task", t.ID()).Msg("queued")
	if err := s.enqueue.Submit(func() { s.start(eng) }); err != nil {
		s.complete(eng, codes.ErrorShutdown, err)
	}
	return nil
}

// Submit0 submits t and blocks until it finishes, returning the file path.
// It refuses to run on the main queue or the task's callback queue, whose
// loops must stay free to deliver the result, and from inside a result
// callback, which holds the completion worker.
func (s *Submitter) Submit0(ctx context.Context, t *task.Task) (string, error) {
	if dispatch.OnQueue(ctx, s.main) || dispatch.IsMain(ctx) {
		return "", dispatch.ErrOnMainQueue
	}
	if ctx.Value(deliveringKey{}) != nil {
		return "", ErrInCallback
	}
	if q := t.Config().CallbackQueue; q != nil && dispatch.OnQueue(ctx, q) {
		return "", ErrInCallback
	}
	t.SetSyncWaiter(true)
	defer func() {
		t.SetSyncWaiter(false)
		t.Destroy()
	}()
	if err := s.Submit(t); err != nil {
		return "", err
	}

	done := make(chan struct{})
	go func() {
		t.Await()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.registry.Cancel(t.URL())
		<-done
		return "", ctx.Err()
	}
	if err := t.Err(); err != nil {
		return "", err
	}
	return t.File(), nil
}

func (s *Submitter) start(eng *engine.Engine) {
	t := eng.Task()
	cfg := t.Config()
	if err := eng.Prepare(); err != nil {
		log.Warn().Str("op", "submitter/start").Str("url", cfg.URL).Err(err).Msg("prepare failed")
		s.complete(eng, codes.Of(err), err)
		return
	}
	if err := t.Transition(task.StatusDownloading); err != nil {
		s.complete(eng, codes.ErrorLoad, err)
		return
	}
	if ind := eng.Indicator(); ind != nil {
		ind.Init(t.Snapshot())
		ind.PreStart()
	}
	pool := s.parallel
	if !cfg.Parallel {
		pool = s.serial
	}
	err := pool.Submit(func() {
		code := eng.Run(s.ctx)
		if err := s.completion.Submit(func() { s.complete(eng, code, eng.Cause()) }); err != nil {
			s.complete(eng, code, eng.Cause())
		}
	})
	if err != nil {
		s.complete(eng, codes.ErrorShutdown, err)
	}
}

// complete records the outcome of one submission. Listener references are
// read before anything can destroy the task.
func (s *Submitter) complete(eng *engine.Engine, code codes.Code, cause error) {
	t := eng.Task()
	cfg := t.Config()
	ind := eng.Indicator()
	var resultErr error
	defer func() {
		s.registry.Unregister(cfg.URL)
		t.SetErr(resultErr)
		t.Signal()
		if st := t.Status(); st != task.StatusPaused && st != task.StatusCanceled {
			t.Destroy()
		}
	}()

	if code.Failed() {
		resultErr = codes.New(code, cfg.URL, cause)
	}
	if ind != nil {
		// Progress still queued must reach the indicator before its final state.
		s.drain(cfg)
	}
	switch code {
	case codes.ErrorUserPause:
		s.mu.Lock()
		s.paused[cfg.URL] = pausedEntry{task: t, indicator: ind}
		s.mu.Unlock()
		s.transition(t, task.StatusPaused)
		if ind != nil {
			ind.OnPaused()
		}
	case codes.ErrorUserCancel:
		s.transition(t, task.StatusCanceled)
		s.removePartial(t)
		if ind != nil {
			ind.Cancel()
		}
	case codes.Successful:
		s.transition(t, task.StatusSuccessful)
	default:
		s.transition(t, task.StatusError)
		if ind != nil {
			ind.Cancel()
		}
	}
	if code != codes.ErrorUserPause {
		s.mu.Lock()
		delete(s.paused, cfg.URL)
		s.mu.Unlock()
	}
	log.Debug().Str("op", "submitter/complete").Str("url", cfg.URL).Str("code", code.String()).
		Str("file", t.File()).Msg("submission finished")

	suppress := s.deliver(cfg, task.Result{Err: resultErr, Path: t.File(), URL: cfg.URL, Task: t.Snapshot()})
	if code != codes.Successful {
		return
	}
	if ind != nil {
		ind.RemoveCancelAction()
		if suppress {
			ind.Cancel()
		} else {
			ind.OnFinished()
		}
	}
	if !suppress && cfg.AutoOpen && s.opener != nil {
		if action := s.opener.Open(t.Snapshot()); action != nil {
			s.main.Post(context.Background(), dispatch.Work(action))
		}
	}
}

func (s *Submitter) transition(t *task.Task, to task.Status) {
	if err := t.Transition(to); err != nil {
		log.Debug().Str("op", "submitter/complete").Str("url", t.URL()).Err(err).Msg("status unchanged")
	}
}

func (s *Submitter) removePartial(t *task.Task) {
	file := t.File()
	if file == "" {
		return
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		log.Warn().Str("op", "submitter/cancel").Str("file", file).Err(err).Msg("could not remove partial file")
	}
}

type deliveringKey struct{}

func (s *Submitter) callbackQueue(cfg task.Config) *dispatch.Queue {
	if cfg.CallbackQueue != nil {
		return cfg.CallbackQueue
	}
	return s.main
}

// drain waits until work already posted to the callback queue has run.
func (s *Submitter) drain(cfg task.Config) {
	q := s.callbackQueue(cfg)
	if err := q.PostBlocking(context.Background(), func(context.Context) {}); err != nil {
		log.Debug().Str("op", "submitter/drain").Str("url", cfg.URL).Str("queue", q.Name()).Err(err).Msg("callback queue not drained")
	}
}

// deliver runs OnResult on the task's callback queue, or main, and returns
// its suppress flag. Progress posted earlier to the same queue is delivered
// first.
func (s *Submitter) deliver(cfg task.Config, res task.Result) bool {
	q := s.callbackQueue(cfg)
	cb := cfg.Callbacks.OnResult
	if cb == nil {
		s.drain(cfg)
		return false
	}
	suppress, err := dispatch.Call(context.Background(), q, func(qctx context.Context) (bool, error) {
		return cb(context.WithValue(qctx, deliveringKey{}, true), res), nil
	})
	if err != nil {
		log.Warn().Str("op", "submitter/deliver").Str("url", cfg.URL).Str("queue", q.Name()).Err(err).Msg("result callback not delivered")
		return false
	}
	return suppress
}

// Pause asks a downloading transfer to pause. The task joins the paused set
// once the transfer has stopped.
func (s *Submitter) Pause(url string) bool {
	_, ok := s.registry.Pause(url)
	return ok
}

func (s *Submitter) PauseAll() int {
	return len(s.registry.PauseAll())
}

func (s *Submitter) Resume(url string) error {
	s.mu.Lock()
	entry, ok := s.paused[url]
	if ok && entry.task.Status() == task.StatusPaused {
		delete(s.paused, url)
	}
	s.mu.Unlock()
	if !ok || entry.task.Status() != task.StatusPaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, url)
	}
	if err := s.submit(entry.task, entry.indicator); err != nil {
		s.mu.Lock()
		s.paused[url] = entry
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Submitter) ResumeAll() error {
	var errs []error
	for _, url := range s.pausedURLs() {
		if err := s.Resume(url); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cancel stops an in-flight transfer or discards a paused one.
func (s *Submitter) Cancel(url string) bool {
	if _, ok := s.registry.Cancel(url); ok {
		return true
	}
	return s.CancelPaused(url)
}

func (s *Submitter) CancelAll() int {
	n := len(s.registry.CancelAll())
	for _, url := range s.pausedURLs() {
		if s.CancelPaused(url) {
			n++
		}
	}
	return n
}

// CancelPaused cancels a task held in the paused set, deleting its partial
// file and reporting ErrorUserCancel to its listener.
func (s *Submitter) CancelPaused(url string) bool {
	s.mu.Lock()
	entry, ok := s.paused[url]
	if ok {
		delete(s.paused, url)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t := entry.task
	cfg := t.Config()
	if err := t.Transition(task.StatusCanceled); err != nil {
		log.Debug().Str("op", "submitter/cancel").Str("url", url).Err(err).Msg("paused task already moved on")
		return false
	}
	s.removePartial(t)
	if entry.indicator != nil {
		entry.indicator.Cancel()
	}
	err := codes.New(codes.ErrorUserCancel, url, nil)
	t.SetErr(err)
	s.deliver(cfg, task.Result{Err: err, Path: t.File(), URL: url, Task: t.Snapshot()})
	return true
}

func (s *Submitter) pausedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.paused))
	for url := range s.paused {
		urls = append(urls, url)
	}
	return urls
}

func (s *Submitter) Exists(url string) bool {
	return s.IsRunning(url) || s.IsPaused(url)
}

func (s *Submitter) IsRunning(url string) bool {
	h, ok := s.registry.Get(url)
	return ok && h.Task().Status() != task.StatusPausing
}

// IsPaused is true for paused tasks and for transfers still winding down
// after a pause request.
func (s *Submitter) IsPaused(url string) bool {
	s.mu.Lock()
	_, ok := s.paused[url]
	s.mu.Unlock()
	if ok {
		return true
	}
	h, running := s.registry.Get(url)
	return running && h.Task().Status() == task.StatusPausing
}

func (s *Submitter) PausedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paused)
}

// Running is the number of registered transfers.
func (s *Submitter) Running() int {
	return s.registry.Len()
}

// Shutdown stops every transfer with ErrorShutdown and drains the pools.
// Paused tasks stay paused.
func (s *Submitter) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.registry.ShutdownAll()
	s.cancel()
	var errs []error
	for _, p := range []*scheduler.Pool{s.enqueue, s.parallel, s.serial, s.completion} {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
