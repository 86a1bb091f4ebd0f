// Package downloader is the embedding API for haul: a Manager that owns the
// worker pools and a fluent Request builder for individual downloads.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/config"
	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/kvstore"
	"github.com/tanq16/haul/internal/opener"
	"github.com/tanq16/haul/internal/submitter"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/utils"
)

type (
	Task             = task.Task
	Snapshot         = task.Snapshot
	Status           = task.Status
	Result           = task.Result
	Progress         = task.Progress
	StartInfo        = task.StartInfo
	Code             = codes.Code
	Error            = codes.Error
	Indicator        = engine.Indicator
	Store            = engine.Store
	NetworkChecker   = engine.NetworkChecker
	Opener           = opener.Opener
	IndicatorFactory = submitter.IndicatorFactory
	Queue            = dispatch.Queue
)

var (
	ErrAlreadyRunning = submitter.ErrAlreadyRunning
	ErrNotPaused      = submitter.ErrNotPaused
	ErrOnMainQueue    = dispatch.ErrOnMainQueue
	ErrInCallback     = submitter.ErrInCallback
)

type settings struct {
	cfg        *config.Config
	store      engine.Store
	indicators submitter.IndicatorFactory
	opener     opener.Opener
	network    engine.NetworkChecker
	main       *dispatch.Queue
	workers    int
}

type Option func(*settings)

// WithConfig applies loaded settings: request defaults, transport options,
// the ETag store and the auto-open action.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

func WithStore(store Store) Option {
	return func(s *settings) { s.store = store }
}

func WithIndicatorFactory(f IndicatorFactory) Option {
	return func(s *settings) { s.indicators = f }
}

func WithOpener(o Opener) Option {
	return func(s *settings) { s.opener = o }
}

func WithNetworkChecker(n NetworkChecker) Option {
	return func(s *settings) { s.network = n }
}

// WithMainQueue sets the queue result callbacks and open actions run on
// when a request names no queue of its own.
func WithMainQueue(q *Queue) Option {
	return func(s *settings) { s.main = q }
}

func WithWorkers(n int) Option {
	return func(s *settings) { s.workers = n }
}

type Manager struct {
	sub      *submitter.Submitter
	main     *dispatch.Queue
	defaults task.Config
	opener   opener.Opener
	closers  []func() error
}

func New(opts ...Option) (*Manager, error) {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.main == nil {
		s.main = dispatch.Main()
	}
	m := &Manager{main: s.main, defaults: task.DefaultConfig()}
	deps := engine.Deps{Network: s.network}
	if deps.Network == nil {
		deps.Network = engine.InterfaceChecker{}
	}

	if cfg := s.cfg; cfg != nil {
		m.applyConfig(cfg)
		deps.DownloadDir = cfg.Dir
		deps.BandwidthLimit = cfg.BandwidthLimit
		deps.Client = utils.HTTPClientConfig{
			UserAgent:      cfg.UserAgent,
			Headers:        maps.Clone(cfg.Headers),
			BearerToken:    cfg.BearerToken,
			HighThreadMode: cfg.HighThreadMode,
		}
		if s.workers == 0 {
			s.workers = cfg.Workers
		}
		if s.store == nil && cfg.Store.URL != "" {
			store, err := kvstore.Open(context.Background(), cfg.Store.URL, cfg.Store.Prefix)
			if err != nil {
				return nil, err
			}
			s.store = store
			m.closers = append(m.closers, store.Close)
		}
		if s.opener == nil {
			o, err := openerFor(cfg.Open)
			if err != nil {
				m.close()
				return nil, err
			}
			s.opener = o
		}
	}
	if s.store == nil {
		s.store = kvstore.NewMemory()
	}
	if s.opener == nil {
		s.opener = opener.Exec{}
	}
	deps.Store = s.store
	m.opener = s.opener

	m.sub = submitter.New(submitter.Options{
		Workers:    s.workers,
		Deps:       deps,
		MainQueue:  s.main,
		Indicators: s.indicators,
		Opener:     s.opener,
	})
	log.Debug().Str("op", "downloader/new").Int("workers", s.workers).Msg("manager ready")
	return m, nil
}

func openerFor(cfg config.OpenConfig) (opener.Opener, error) {
	switch cfg.Mode {
	case "s3":
		p, err := opener.NewS3Publisher(context.Background(), cfg.Bucket, cfg.Prefix, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("s3 publisher: %w", err)
		}
		return p, nil
	case "none":
		return opener.Func(func(task.Snapshot) opener.Action { return nil }), nil
	}
	return opener.Exec{}, nil
}

func (m *Manager) applyConfig(cfg *config.Config) {
	d := &m.defaults
	d.Dir = cfg.Dir
	d.ConnectTimeout = cfg.ConnectTimeout
	d.ReadTimeout = cfg.ReadTimeout
	d.DownloadTimeout = cfg.DownloadTimeout
	d.Retry = cfg.Retry
	d.UniquePath = cfg.UniquePath
	d.Resumable = cfg.Resumable
	d.Force = cfg.Force
	d.QuickProgress = cfg.QuickProgress
	d.UserAgent = cfg.UserAgent
}

// URL starts a request with the manager's defaults.
func (m *Manager) URL(u string) *Request {
	cfg := m.defaults
	cfg.URL = u
	cfg.Headers = map[string]string{}
	return &Request{m: m, cfg: cfg}
}

// Enqueue submits t and returns immediately.
func (m *Manager) Enqueue(t *Task) error {
	return m.sub.Submit(t)
}

// Call submits t and blocks until it finishes. It must not be called from
// the main queue.
func (m *Manager) Call(ctx context.Context, t *Task) (string, error) {
	return m.sub.Submit0(ctx, t)
}

// Pause only succeeds while the transfer is downloading.
func (m *Manager) Pause(url string) bool {
	return m.sub.Pause(url)
}

func (m *Manager) Resume(url string) error {
	return m.sub.Resume(url)
}

// Cancel stops a running transfer or discards a paused one.
func (m *Manager) Cancel(url string) bool {
	return m.sub.Cancel(url)
}

func (m *Manager) PauseAll() int {
	return m.sub.PauseAll()
}

func (m *Manager) ResumeAll() error {
	return m.sub.ResumeAll()
}

func (m *Manager) CancelAll() int {
	return m.sub.CancelAll()
}

func (m *Manager) Exists(url string) bool {
	return m.sub.Exists(url)
}

func (m *Manager) IsRunning(url string) bool {
	return m.sub.IsRunning(url)
}

func (m *Manager) IsPaused(url string) bool {
	return m.sub.IsPaused(url)
}

func (m *Manager) PausedCount() int {
	return m.sub.PausedCount()
}

// Close ends running transfers with the shutdown code, waits for uploads the
// opener started and releases the store. Paused tasks are left as they are.
func (m *Manager) Close(ctx context.Context) error {
	err := m.sub.Shutdown(ctx)
	if w, ok := m.opener.(interface{ Wait(context.Context) error }); ok {
		err = errors.Join(err, w.Wait(ctx))
	}
	return errors.Join(err, m.close())
}

func (m *Manager) close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c())
	}
	m.closers = nil
	return errors.Join(errs...)
}
