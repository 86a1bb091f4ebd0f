package task

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable view of a task at one instant. Each snapshot has
// its own ID; TaskID links it back to the live task.
type Snapshot struct {
	ID                 string
	TaskID             string
	URL                string
	RedirectURL        string
	File               string
	MimeType           string
	ContentDisposition string
	Status             Status
	Totals             int64
	Loaded             int64
	TargetChecksum     string
	FileChecksum       string
	Headers            map[string]string
	UsedTime           time.Duration
	EnableIndicator    bool
	AutoOpen           bool
	Owner              any
	Err                error
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:                 uuid.NewString(),
		TaskID:             t.id,
		URL:                t.cfg.URL,
		RedirectURL:        t.redirectURL,
		File:               t.file,
		MimeType:           t.mimeType,
		ContentDisposition: t.disposition,
		Status:             t.status,
		Totals:             t.totals,
		Loaded:             t.loaded,
		TargetChecksum:     t.cfg.TargetChecksum,
		FileChecksum:       t.fileChecksum,
		Headers:            maps.Clone(t.cfg.Headers),
		UsedTime:           t.usedTime(),
		EnableIndicator:    t.cfg.EnableIndicator,
		AutoOpen:           t.cfg.AutoOpen,
		Owner:              t.cfg.Owner,
		Err:                t.err,
	}
}

// Percent is the completed share in [0,100], or -1 when the total is unknown.
func (s Snapshot) Percent() int {
	if s.Totals <= 0 {
		return -1
	}
	return int(min(s.Loaded*100/s.Totals, 100))
}
