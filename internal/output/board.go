package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/task"
)

type entryState int

const (
	statePending entryState = iota
	stateActive
	statePaused
	stateDone
	stateCanceled
)

// Entry is one task's row on a Board. It satisfies engine.Indicator.
type Entry struct {
	board *Board
	index int

	title      string
	url        string
	state      entryState
	percent    int
	loaded     int64
	cancelable bool
	startTime  time.Time
	lastUpdate time.Time
}

var _ engine.Indicator = (*Entry)(nil)

// Board renders live transfer rows to a terminal, redrawing in place.
type Board struct {
	out      io.Writer
	mu       sync.RWMutex
	entries  []*Entry
	numLines int
	height   func() int

	displayTick time.Duration
	doneCh      chan struct{}
	stopOnce    sync.Once
	displayWg   sync.WaitGroup
}

func NewBoard(out io.Writer) *Board {
	if out == nil {
		out = os.Stdout
	}
	return &Board{
		out:         out,
		height:      terminalHeight,
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

// NewIndicator returns an unregistered entry; it joins the board on Init.
func (b *Board) NewIndicator() *Entry {
	return &Entry{board: b, percent: -1, cancelable: true}
}

func (e *Entry) update(fn func(*Entry)) {
	b := e.board
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(e)
	e.lastUpdate = time.Now()
}

func titleOf(snap task.Snapshot) string {
	if snap.File != "" {
		return TruncateTitle(filepath.Base(snap.File))
	}
	return TruncateTitle(snap.URL)
}

func (e *Entry) Init(snap task.Snapshot) {
	b := e.board
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.index == 0 {
		b.entries = append(b.entries, e)
		e.index = len(b.entries)
	}
	e.title = titleOf(snap)
	e.url = snap.URL
	e.state = statePending
	e.percent = snap.Percent()
	e.loaded = snap.Loaded
	e.startTime = time.Now()
	e.lastUpdate = e.startTime
}

func (e *Entry) PreStart() {
	e.update(func(e *Entry) {
		e.state = stateActive
		e.startTime = time.Now()
	})
}

func (e *Entry) OnProgress(percent int, loaded int64) {
	e.update(func(e *Entry) {
		if e.state == statePending {
			e.state = stateActive
		}
		e.percent = percent
		e.loaded = loaded
	})
}

func (e *Entry) OnPaused() {
	e.update(func(e *Entry) { e.state = statePaused })
}

func (e *Entry) OnFinished() {
	e.update(func(e *Entry) {
		e.state = stateDone
		e.percent = 100
	})
}

func (e *Entry) Cancel() {
	e.update(func(e *Entry) { e.state = stateCanceled })
}

func (e *Entry) UpdateTitle(snap task.Snapshot) {
	e.update(func(e *Entry) { e.title = titleOf(snap) })
}

func (e *Entry) RemoveCancelAction() {
	e.update(func(e *Entry) { e.cancelable = false })
}

func (e *Entry) Title() string {
	e.board.mu.RLock()
	defer e.board.mu.RUnlock()
	return e.title
}

func statusIndicator(s entryState) string {
	switch s {
	case stateDone:
		return successStyle.Render(StyleSymbols["pass"])
	case stateCanceled:
		return errorStyle.Render(StyleSymbols["fail"])
	case statePaused:
		return warningStyle.Render(StyleSymbols["pause"])
	case statePending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

// frame builds the current rows, keeping active and paused transfers and
// trimming finished ones first when the terminal is too short.
func (b *Board) frame() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	available := b.height() - 3
	var live, finished []*Entry
	for _, e := range b.entries {
		if e.state == stateDone || e.state == stateCanceled {
			finished = append(finished, e)
		} else {
			live = append(live, e)
		}
	}
	needed := 2*len(live) + len(finished)
	if needed > available {
		keep := max(available-2*len(live), 0)
		if len(finished) > keep {
			finished = finished[len(finished)-keep:]
		}
	}

	indent := strings.Repeat(" ", 2)
	var lines []string
	for _, e := range live {
		if len(lines) >= available {
			break
		}
		elapsed := time.Since(e.startTime).Round(time.Second)
		var msg string
		switch e.state {
		case statePending:
			msg = pendingStyle.Render("Waiting... " + e.title)
		case statePaused:
			msg = warningStyle.Render("Paused " + e.title)
		default:
			msg = pendingStyle.Render(e.title)
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, statusIndicator(e.state), debugStyle.Render(elapsed.String()), msg))
		if e.state == stateActive && len(lines) < available {
			lines = append(lines, indent+"    "+ProgressBar(e.percent, e.loaded, 30))
		}
	}
	for _, e := range finished {
		if len(lines) >= available {
			break
		}
		total := e.lastUpdate.Sub(e.startTime).Round(time.Second)
		msg := successStyle.Render("Completed " + e.title)
		if e.state == stateCanceled {
			msg = errorStyle.Render("Stopped " + e.title)
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, statusIndicator(e.state), debugStyle.Render(total.String()), msg))
	}
	return lines
}

func (b *Board) redraw() {
	lines := b.frame()
	if b.numLines > 0 {
		fmt.Fprintf(b.out, "\033[%dA\033[J", b.numLines)
	}
	for _, l := range lines {
		fmt.Fprintln(b.out, l)
	}
	b.numLines = len(lines)
}

func (b *Board) Start() {
	b.displayWg.Add(1)
	go func() {
		defer b.displayWg.Done()
		ticker := time.NewTicker(b.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.redraw()
			case <-b.doneCh:
				b.redraw()
				b.summary()
				return
			}
		}
	}()
}

// Stop draws a final frame and the summary.
func (b *Board) Stop() {
	b.stopOnce.Do(func() { close(b.doneCh) })
	b.displayWg.Wait()
}

// Counts reports finished and stopped entries and the total registered.
func (b *Board) Counts() (done, stopped, total int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		switch e.state {
		case stateDone:
			done++
		case stateCanceled:
			stopped++
		}
	}
	return done, stopped, len(b.entries)
}

func (b *Board) summary() {
	done, stopped, total := b.Counts()
	fmt.Fprintln(b.out)
	fmt.Fprintln(b.out, "  "+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", done, total)))
	if stopped > 0 {
		fmt.Fprintln(b.out, "  "+errorStyle.Render(fmt.Sprintf("Stopped %d of %d", stopped, total)))
	}
	fmt.Fprintln(b.out)
}
