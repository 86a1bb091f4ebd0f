package downloader

import (
	"context"
	"time"

	"github.com/tanq16/haul/internal/task"
)

// Request configures one download. Every setter returns the request so
// calls chain; Build, Enqueue or Get finish it.
type Request struct {
	m   *Manager
	cfg task.Config
}

// Target sets an explicit output file, bypassing server-suggested names.
func (r *Request) Target(file string) *Request {
	r.cfg.File = file
	return r
}

func (r *Request) Dir(dir string) *Request {
	r.cfg.Dir = dir
	return r
}

// UniquePath nests the file in a directory named after the URL hash.
func (r *Request) UniquePath(on bool) *Request {
	r.cfg.UniquePath = on
	return r
}

func (r *Request) Header(key, value string) *Request {
	r.cfg.Headers[key] = value
	return r
}

func (r *Request) UserAgent(ua string) *Request {
	r.cfg.UserAgent = ua
	return r
}

func (r *Request) ConnectTimeout(d time.Duration) *Request {
	r.cfg.ConnectTimeout = d
	return r
}

func (r *Request) ReadTimeout(d time.Duration) *Request {
	r.cfg.ReadTimeout = d
	return r
}

// DownloadTimeout bounds the whole transfer; zero means no bound.
func (r *Request) DownloadTimeout(d time.Duration) *Request {
	r.cfg.DownloadTimeout = d
	return r
}

func (r *Request) Retry(n int) *Request {
	r.cfg.Retry = n
	return r
}

// Serial runs the transfer on the single-worker pool.
func (r *Request) Serial() *Request {
	r.cfg.Parallel = false
	return r
}

// Force allows metered networks.
func (r *Request) Force(on bool) *Request {
	r.cfg.Force = on
	return r
}

// Resumable keeps existing bytes on disk; off truncates the target.
func (r *Request) Resumable(on bool) *Request {
	r.cfg.Resumable = on
	return r
}

func (r *Request) QuickProgress() *Request {
	r.cfg.QuickProgress = true
	return r
}

func (r *Request) TargetChecksum(md5hex string) *Request {
	r.cfg.TargetChecksum = md5hex
	return r
}

func (r *Request) CalculateChecksum() *Request {
	r.cfg.CalculateChecksum = true
	return r
}

// ExpectedLength hints the size of an already-downloaded file so it can be
// checked before connecting.
func (r *Request) ExpectedLength(n int64) *Request {
	r.cfg.ContentLength = n
	return r
}

func (r *Request) AutoOpen() *Request {
	r.cfg.AutoOpen = true
	return r
}

func (r *Request) Indicator() *Request {
	r.cfg.EnableIndicator = true
	return r
}

func (r *Request) OnStart(fn func(ctx context.Context, info StartInfo)) *Request {
	r.cfg.Callbacks.OnStart = fn
	return r
}

func (r *Request) OnProgress(fn func(ctx context.Context, p Progress)) *Request {
	r.cfg.Callbacks.OnProgress = fn
	return r
}

// OnResult receives the outcome. Returning true suppresses the finished
// indicator and auto-open. A synchronous Get or Call issued from fn must pass
// ctx so it can be refused instead of deadlocking.
func (r *Request) OnResult(fn func(ctx context.Context, res Result) bool) *Request {
	r.cfg.Callbacks.OnResult = fn
	return r
}

func (r *Request) OnStatus(fn func(ctx context.Context, url string, status Status)) *Request {
	r.cfg.Callbacks.OnStatus = fn
	return r
}

// CallbackOn delivers OnStart, OnProgress and OnResult on q instead of the
// main queue.
func (r *Request) CallbackOn(q *Queue) *Request {
	r.cfg.CallbackQueue = q
	return r
}

func (r *Request) Owner(owner any) *Request {
	r.cfg.Owner = owner
	return r
}

func (r *Request) Build() *Task {
	return task.New(r.cfg)
}

func (r *Request) Enqueue() error {
	return r.m.Enqueue(r.Build())
}

// Get downloads synchronously and returns the file path.
func (r *Request) Get(ctx context.Context) (string, error) {
	return r.m.Call(ctx, r.Build())
}
