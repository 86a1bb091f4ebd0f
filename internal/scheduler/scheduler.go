// Package scheduler provides named FIFO worker pools.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tanq16/haul/utils"
)

var ErrStopped = errors.New("scheduler: pool stopped")

type Job func()

// Pool runs jobs in submission order on a fixed number of workers. The
// queue is unbounded so Submit never blocks.
type Pool struct {
	name    string
	workers int
	logger  zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []Job
	stopped bool
	wg      sync.WaitGroup
}

func NewPool(name string, workers int) *Pool {
	workers = max(workers, 1)
	p := &Pool{name: name, workers: workers, logger: utils.GetLogger("scheduler/" + name)}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.processJobs(workerID)
		}(i)
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Workers() int {
	return p.workers
}

func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.jobs = append(p.jobs, job)
	p.cond.Signal()
	return nil
}

// Pending is the number of queued jobs not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Pool) processJobs(workerID int) {
	for {
		p.mu.Lock()
		for len(p.jobs) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs[0] = nil
		p.jobs = p.jobs[1:]
		p.mu.Unlock()
		p.run(workerID, job)
	}
}

func (p *Pool) run(workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("op", "scheduler/pool").Int("worker", workerID).
				Str("panic", fmt.Sprint(r)).Msg("job panicked")
		}
	}()
	job()
}

// Stop refuses new jobs, lets queued ones drain and waits for the workers
// or for ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", p.name, ctx.Err())
	}
}
