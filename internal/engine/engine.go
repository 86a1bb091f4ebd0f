package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/utils"
	"golang.org/x/time/rate"
)

// Store persists small string values such as ETag validators.
type Store interface {
	Save(ctx context.Context, key, value string) error
	Get(ctx context.Context, key, def string) string
}

// Indicator renders download progress outside the engine. Implementations
// handle their own goroutine marshaling.
type Indicator interface {
	Init(snap task.Snapshot)
	PreStart()
	OnProgress(percent int, loaded int64)
	OnPaused()
	OnFinished()
	Cancel()
	UpdateTitle(snap task.Snapshot)
	RemoveCancelAction()
}

type NetworkChecker interface {
	Connected() bool
	Unmetered() bool
}

type Deps struct {
	Client         utils.HTTPClientConfig
	Store          Store
	Comparator     Comparator
	Network        NetworkChecker
	FreeSpace      func(dir string) (int64, error)
	DownloadDir    string
	MainQueue      *dispatch.Queue
	BandwidthLimit int64 // bytes per second, zero disables
}

type stopState int32

const (
	running stopState = iota
	stopPause
	stopCancel
	stopShutdown
)

// Engine drives one submission of a task through the network.
type Engine struct {
	task      *task.Task
	deps      Deps
	indicator Indicator
	client    utils.HTTPDoer
	limiter   *rate.Limiter
	stop      atomic.Int32

	accepted   bool
	totals     int64
	loaded     int64
	lastLoaded int64
	beginTime  time.Time
	cause      error
	progress   *progressThrottle
}

func New(t *task.Task, deps Deps, indicator Indicator) *Engine {
	if deps.Comparator == nil {
		deps.Comparator = DefaultComparator{}
	}
	if deps.FreeSpace == nil {
		deps.FreeSpace = AvailableSpace
	}
	if deps.MainQueue == nil {
		deps.MainQueue = dispatch.Main()
	}
	cfg := t.Config()
	clientCfg := deps.Client
	clientCfg.ConnectTimeout = cfg.ConnectTimeout
	clientCfg.ReadTimeout = cfg.ReadTimeout
	if cfg.UserAgent != "" {
		clientCfg.UserAgent = cfg.UserAgent
	}
	e := &Engine{
		task:      t,
		deps:      deps,
		indicator: indicator,
		client:    utils.NewHaulHTTPClient(clientCfg),
		totals:    t.Totals(),
	}
	if deps.BandwidthLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(deps.BandwidthLimit), int(max(deps.BandwidthLimit, utils.BufferSize)))
	}
	return e
}

func (e *Engine) Task() *task.Task {
	return e.task
}

func (e *Engine) Indicator() Indicator {
	return e.indicator
}

// Pause requests a cooperative pause. Only a downloading transfer pauses.
func (e *Engine) Pause() bool {
	if e.task.Status() != task.StatusDownloading {
		return false
	}
	if err := e.task.Transition(task.StatusPausing); err != nil {
		return false
	}
	return e.stop.CompareAndSwap(int32(running), int32(stopPause))
}

func (e *Engine) Cancel() {
	e.stop.Store(int32(stopCancel))
}

func (e *Engine) Shutdown() {
	e.stop.CompareAndSwap(int32(running), int32(stopShutdown))
	e.stop.CompareAndSwap(int32(stopPause), int32(stopShutdown))
}

func (e *Engine) stopped() (codes.Code, bool) {
	switch stopState(e.stop.Load()) {
	case stopPause:
		return codes.ErrorUserPause, true
	case stopCancel:
		return codes.ErrorUserCancel, true
	case stopShutdown:
		return codes.ErrorShutdown, true
	}
	return 0, false
}

// Cause is the last error observed by the transfer, if any.
func (e *Engine) Cause() error {
	return e.cause
}

// Run performs the transfer and returns its result code. The caller must have
// called Prepare first.
func (e *Engine) Run(ctx context.Context) (code codes.Code) {
	cfg := e.task.Config()
	e.beginTime = time.Now()
	e.progress = newProgressThrottle(cfg.QuickProgress, utils.ProgressInterval, e.emitProgress)
	e.progress.Start()
	defer func() {
		e.progress.Flush(e.lastLoaded+e.loaded, e.totals)
		// the transport is per engine, its pooled conns die with the run
		if c, ok := e.client.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
		log.Debug().Str("op", "engine/run").Str("url", cfg.URL).Str("result", code.String()).
			Dur("elapsed", time.Since(e.beginTime)).Msg("transfer finished")
	}()

	if c, stopped := e.stopped(); stopped {
		return c
	}
	if e.accepted {
		e.lastLoaded = e.task.Loaded()
		return codes.Successful
	}
	if strings.HasPrefix(cfg.URL, "data:") {
		return e.runData(ctx, cfg)
	}
	if !e.checkNet(cfg) {
		e.cause = errors.New("no usable network")
		return codes.ErrorNetworkConnection
	}

	for attempt := 0; ; attempt++ {
		code, err := e.doDownload(ctx, cfg)
		if err == nil {
			return code
		}
		e.cause = err
		if c, stopped := e.stopped(); stopped {
			return c
		}
		if !retryable(err) || attempt >= cfg.Retry {
			log.Warn().Str("op", "engine/run").Str("url", cfg.URL).Int("attempts", attempt+1).Err(err).Msg("giving up")
			return classify(err)
		}
		log.Debug().Str("op", "engine/run").Str("url", cfg.URL).Int("attempt", attempt+1).Err(err).Msg("retrying")
		select {
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		case <-ctx.Done():
			e.cause = ctx.Err()
			return codes.ErrorShutdown
		}
	}
}

func (e *Engine) checkNet(cfg task.Config) bool {
	if e.deps.Network == nil || isLoopbackURL(cfg.URL) {
		return true
	}
	if cfg.Force {
		return e.deps.Network.Connected()
	}
	return e.deps.Network.Unmetered()
}

type statusError struct {
	StatusCode int
	URL        string
}

func (s *statusError) Error() string {
	return fmt.Sprintf("server returned %d for %s", s.StatusCode, s.URL)
}

func retryable(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func classify(err error) codes.Code {
	var status *statusError
	if errors.As(err, &status) {
		return codes.ErrorService
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return codes.ErrorStorage
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return codes.ErrorNetworkConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return codes.ErrorNetworkConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return codes.ErrorTimeOut
	}
	return codes.ErrorLoad
}

// emitProgress records the counters and posts them to the callback queue.
// Posts keep their order, so the final flush is the last update delivered.
func (e *Engine) emitProgress(loaded, total int64) {
	e.task.SetLoaded(loaded)
	cfg := e.task.Config()
	cb, ind := cfg.Callbacks.OnProgress, e.indicator
	if cb == nil && ind == nil {
		return
	}
	p := task.Progress{URL: cfg.URL, Loaded: loaded, Total: total, UsedTime: e.task.UsedTime()}
	percent := -1
	if total > 0 {
		percent = int(min(loaded*100/total, 100))
	}
	e.callbackQueue(cfg).Post(context.Background(), func(qctx context.Context) {
		if cb != nil {
			cb(qctx, p)
		}
		if ind != nil {
			ind.OnProgress(percent, loaded)
		}
	})
}

func (e *Engine) callbackQueue(cfg task.Config) *dispatch.Queue {
	if cfg.CallbackQueue != nil {
		return cfg.CallbackQueue
	}
	return e.deps.MainQueue
}
