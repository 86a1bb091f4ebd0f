package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tanq16/haul/internal/dispatch"
)

var ErrInvalidTransition = errors.New("task: invalid status transition")

const (
	DefaultRetry          = 3
	MaxRetry              = 5
	DefaultConnectTimeout = 6 * time.Second
	DefaultReadTimeout    = 10 * time.Minute
)

type StartInfo struct {
	URL                string
	UserAgent          string
	ContentDisposition string
	MimeType           string
	ContentLength      int64
	Task               Snapshot
}

type Progress struct {
	URL      string
	Loaded   int64
	Total    int64 // -1 when unknown
	UsedTime time.Duration
}

type Result struct {
	Err  error
	Path string
	URL  string
	Task Snapshot
}

// Callbacks are the caller's listeners. Each runs on a dispatch queue and
// receives that queue's context, which blocking calls made from a listener
// must pass on. OnResult returning true suppresses default post-processing
// such as auto-open and the finished indicator.
type Callbacks struct {
	OnStart    func(ctx context.Context, info StartInfo)
	OnProgress func(ctx context.Context, p Progress)
	OnResult   func(ctx context.Context, res Result) bool
	OnStatus   func(ctx context.Context, url string, status Status)
}

type Config struct {
	URL       string
	File      string
	Dir       string
	Headers   map[string]string
	UserAgent string

	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	DownloadTimeout time.Duration // zero means unbounded
	Retry           int

	Parallel          bool
	Force             bool
	Resumable         bool
	UniquePath        bool
	QuickProgress     bool
	EnableIndicator   bool
	AutoOpen          bool
	CalculateChecksum bool

	TargetChecksum string
	ContentLength  int64

	Callbacks     Callbacks
	CallbackQueue *dispatch.Queue
	Owner         any
}

// DefaultConfig returns the settings applied to tasks built without overrides.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		Retry:          DefaultRetry,
		Parallel:       true,
		Force:          true,
		Resumable:      true,
		UniquePath:     true,
	}
}

func clampRetry(n int) int {
	return min(max(n, 0), MaxRetry)
}

type Task struct {
	cfg         Config
	statusQueue *dispatch.Queue

	mu   sync.Mutex
	cond *sync.Cond

	id           string
	status       Status
	file         string
	redirectURL  string
	mimeType     string
	disposition  string
	totals       int64
	loaded       int64
	fileChecksum string
	connectTimes int
	err          error

	beginTime  time.Time
	pauseTime  time.Time
	endTime    time.Time
	pauseDelta time.Duration

	done       bool
	syncWaiter bool
	destroyed  bool
}

func New(cfg Config) *Task {
	cfg.Retry = clampRetry(cfg.Retry)
	cfg.Headers = maps.Clone(cfg.Headers)
	t := &Task{
		cfg:         cfg,
		statusQueue: dispatch.Main(),
		id:          uuid.NewString(),
		status:      StatusNew,
		file:        cfg.File,
		totals:      -1,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SetStatusQueue sets the queue status observers are notified on.
func (t *Task) SetStatusQueue(q *dispatch.Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q != nil {
		t.statusQueue = q
	}
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) URL() string {
	return t.cfg.URL
}

// Config returns a copy of the configuration.
func (t *Task) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cfg
	c.Headers = maps.Clone(t.cfg.Headers)
	return c
}

func (t *Task) Callbacks() Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Callbacks
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Transition moves the task to the given status and notifies the status
// observer on the status queue.
func (t *Task) Transition(to Status) error {
	t.mu.Lock()
	from := t.status
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.status = to
	now := time.Now()
	switch to {
	case StatusDownloading:
		t.updateTime(now)
	case StatusPaused:
		t.pauseTime = now
		t.connectTimes = 0
	case StatusSuccessful, StatusError, StatusCanceled:
		t.endTime = now
		if from == StatusPaused {
			t.endTime = t.pauseTime
		}
	}
	observer, url, q := t.cfg.Callbacks.OnStatus, t.cfg.URL, t.statusQueue
	t.mu.Unlock()

	if observer != nil && q != nil {
		q.Post(context.Background(), func(ctx context.Context) {
			observer(ctx, url, to)
		})
	}
	return nil
}

func (t *Task) updateTime(now time.Time) {
	if t.beginTime.IsZero() {
		t.beginTime = now
		return
	}
	if !t.pauseTime.IsZero() {
		t.pauseDelta += now.Sub(t.pauseTime)
		t.pauseTime = time.Time{}
	}
}

// UsedTime is the transfer time excluding paused intervals.
func (t *Task) UsedTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedTime()
}

func (t *Task) usedTime() time.Duration {
	if t.beginTime.IsZero() {
		return 0
	}
	end := time.Now()
	switch {
	case t.status == StatusSuccessful || t.status == StatusError || t.status == StatusCanceled:
		end = t.endTime
	case !t.pauseTime.IsZero():
		end = t.pauseTime
	}
	return max(end.Sub(t.beginTime)-t.pauseDelta, 0)
}

// Reset returns a paused or finished task to StatusNew so it can be resubmitted.
func (t *Task) Reset() error {
	if err := t.Transition(StatusNew); err != nil {
		return err
	}
	t.mu.Lock()
	t.err = nil
	t.destroyed = false
	t.mu.Unlock()
	return nil
}

func (t *Task) File() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

func (t *Task) SetFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.file = path
}

// RedirectURL is the location the last redirect pointed to, if any.
func (t *Task) RedirectURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.redirectURL
}

func (t *Task) SetRedirectURL(u string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redirectURL = u
}

func (t *Task) SetResponseInfo(mimeType, disposition string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mimeType = mimeType
	t.disposition = disposition
}

func (t *Task) MimeType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mimeType
}

func (t *Task) Totals() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

func (t *Task) SetTotals(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals = n
}

func (t *Task) Loaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

func (t *Task) SetLoaded(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = n
}

func (t *Task) FileChecksum() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileChecksum
}

func (t *Task) SetFileChecksum(sum string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fileChecksum = sum
}

func (t *Task) ConnectTimes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectTimes
}

func (t *Task) IncConnectTimes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectTimes++
}

// Err is the error captured by the last submission.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) SetErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Arm prepares the await contract for a new submission.
func (t *Task) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = false
}

// Signal releases Await. Extra calls within one submission are no-ops.
func (t *Task) Signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.done = true
		t.cond.Broadcast()
	}
}

// Await blocks until the armed submission has signalled.
func (t *Task) Await() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.done {
		t.cond.Wait()
	}
}

func (t *Task) SetSyncWaiter(waiting bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncWaiter = waiting
}

func (t *Task) SyncWaiter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncWaiter
}

// Destroy drops listener and owner references once the outcome has been
// observed. It is a no-op while a synchronous caller is waiting.
func (t *Task) Destroy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.syncWaiter || t.destroyed {
		return false
	}
	t.cfg.Callbacks = Callbacks{}
	t.cfg.CallbackQueue = nil
	t.cfg.Headers = nil
	t.cfg.Owner = nil
	t.destroyed = true
	return true
}

func (t *Task) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Clone returns a fresh task with a copy of this task's configuration.
func (t *Task) Clone() *Task {
	return New(t.Config())
}
