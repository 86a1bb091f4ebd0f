package registry

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/task"
)

// Handle is a running transfer that accepts cooperative stop requests.
type Handle interface {
	Task() *task.Task
	// Pause requests a pause and reports whether the transfer was downloading.
	Pause() bool
	Cancel()
	Shutdown()
}

// Registry maps a URL to its single in-flight transfer.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register adds h under url. It fails if url is already registered.
func (r *Registry) Register(url string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[url]; exists {
		log.Debug().Str("op", "registry/register").Str("url", url).Msg("already in flight")
		return false
	}
	r.handles[url] = h
	return true
}

func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, url)
}

func (r *Registry) Exists(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.handles[url]
	return exists
}

func (r *Registry) Get(url string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[url]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Pause asks the transfer for url to pause. The task is returned only if the
// transfer was downloading.
func (r *Registry) Pause(url string) (*task.Task, bool) {
	h, ok := r.Get(url)
	if !ok || !h.Pause() {
		return nil, false
	}
	return h.Task(), true
}

func (r *Registry) Cancel(url string) (*task.Task, bool) {
	h, ok := r.Get(url)
	if !ok {
		return nil, false
	}
	h.Cancel()
	return h.Task(), true
}

// PauseAll pauses every downloading transfer and returns the affected tasks.
func (r *Registry) PauseAll() []*task.Task {
	var tasks []*task.Task
	for _, h := range r.snapshot() {
		if h.Pause() {
			tasks = append(tasks, h.Task())
		}
	}
	return tasks
}

func (r *Registry) CancelAll() []*task.Task {
	handles := r.snapshot()
	tasks := make([]*task.Task, 0, len(handles))
	for _, h := range handles {
		h.Cancel()
		tasks = append(tasks, h.Task())
	}
	return tasks
}

func (r *Registry) ShutdownAll() {
	for _, h := range r.snapshot() {
		h.Shutdown()
	}
}

func (r *Registry) snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}
