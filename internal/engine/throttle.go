package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// progressThrottle limits how often progress reaches listeners. Quick mode
// only records the latest counters and lets a ticker publish them; otherwise
// publication happens on the write path with a hard minimum gap. Flush always
// publishes the final counters.
type progressThrottle struct {
	quick    bool
	interval time.Duration
	limiter  *rate.Limiter
	emit     func(loaded, total int64)

	loaded atomic.Int64
	total  atomic.Int64
	dirty  atomic.Bool

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	flushed  bool
}

func newProgressThrottle(quick bool, interval time.Duration, emit func(loaded, total int64)) *progressThrottle {
	return &progressThrottle{
		quick:    quick,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		emit:     emit,
		stopCh:   make(chan struct{}),
	}
}

func (p *progressThrottle) Start() {
	if !p.quick {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if p.dirty.CompareAndSwap(true, false) {
					p.publish(p.loaded.Load(), p.total.Load())
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

func (p *progressThrottle) Update(loaded, total int64) {
	p.loaded.Store(loaded)
	p.total.Store(total)
	if p.quick {
		p.dirty.Store(true)
		return
	}
	if p.limiter.Allow() {
		p.publish(loaded, total)
	}
}

func (p *progressThrottle) publish(loaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushed {
		return
	}
	p.emit(loaded, total)
}

// Flush stops the ticker and publishes the final counters exactly once.
func (p *progressThrottle) Flush(loaded, total int64) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flushed {
		return
	}
	p.flushed = true
	p.emit(loaded, total)
}
