// Package opener turns a finished download into a follow-up action, such as
// launching the system viewer or publishing the file to object storage.
package opener

import (
	"context"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/task"
)

// Action runs on the host's main queue.
type Action func(ctx context.Context)

// Opener returns the action for a successful download, or nil for none.
type Opener interface {
	Open(snap task.Snapshot) Action
}

type Func func(snap task.Snapshot) Action

func (f Func) Open(snap task.Snapshot) Action {
	return f(snap)
}

// Exec launches the platform's default handler for the file.
type Exec struct {
	// Start defaults to running the command detached.
	Start func(name string, args ...string) error
}

func (e Exec) Open(snap task.Snapshot) Action {
	if snap.File == "" {
		return nil
	}
	start := e.Start
	if start == nil {
		start = func(name string, args ...string) error {
			return exec.Command(name, args...).Start()
		}
	}
	name, args := viewerCommand(runtime.GOOS, snap.File)
	return func(context.Context) {
		if err := start(name, args...); err != nil {
			log.Warn().Str("op", "opener/exec").Str("file", snap.File).Err(err).Msg("could not open file")
		}
	}
}

func viewerCommand(goos, file string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{file}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", file}
	default:
		return "xdg-open", []string{file}
	}
}
