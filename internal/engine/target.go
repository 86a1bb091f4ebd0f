package engine

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/utils"
)

type Decision int

const (
	Accept Decision = iota
	Overwrite
	Rename
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Overwrite:
		return "overwrite"
	case Rename:
		return "rename"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Comparator decides what to do with a file already on disk that matches
// the expected length.
type Comparator interface {
	Compare(url, file, expected, actual string) Decision
}

// DefaultComparator accepts a file whose checksum matches the expected one
// and asks for a fresh copy otherwise.
type DefaultComparator struct{}

func (DefaultComparator) Compare(_, _, expected, actual string) Decision {
	if expected != "" && equalChecksum(expected, actual) {
		return Accept
	}
	return Rename
}

// Prepare validates the task and resolves its target file, creating parent
// directories and the file itself. A file already on disk may be accepted
// as the result, truncated, or replaced by a renamed sibling.
func (e *Engine) Prepare() error {
	cfg := e.task.Config()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return codes.New(codes.ErrorLoad, cfg.URL, err)
	}
	switch u.Scheme {
	case "http", "https", "data":
	default:
		return codes.New(codes.ErrorLoad, cfg.URL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	target := e.task.File()
	if target == "" {
		dir := cfg.Dir
		if dir == "" {
			dir = e.deps.DownloadDir
		}
		if dir == "" {
			dir = "."
		}
		if cfg.UniquePath {
			dir = filepath.Join(dir, utils.URLHash(cfg.URL))
		}
		target = filepath.Join(dir, nameFromURL(u))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return codes.New(codes.ErrorStorage, cfg.URL, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if !cfg.Resumable {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, 0644)
	if err != nil {
		return codes.New(codes.ErrorStorage, cfg.URL, err)
	}
	f.Close()
	e.task.SetFile(target)

	expected := e.task.Totals()
	if expected <= 0 {
		expected = cfg.ContentLength
	}
	size := fileLength(target)
	if size <= 0 || size != expected {
		return nil
	}
	sum, err := utils.FileMD5(target)
	if err != nil {
		return codes.New(codes.ErrorStorage, cfg.URL, err)
	}
	decision := e.deps.Comparator.Compare(cfg.URL, target, cfg.TargetChecksum, sum)
	log.Debug().Str("op", "engine/target").Str("file", target).Str("decision", decision.String()).Msg("existing file matches length")
	switch decision {
	case Accept:
		e.accepted = true
		e.task.SetFileChecksum(sum)
		e.task.SetTotals(size)
		e.task.SetLoaded(size)
		e.totals = size
	case Overwrite:
		if err := os.Truncate(target, 0); err != nil {
			return codes.New(codes.ErrorStorage, cfg.URL, err)
		}
	case Rename:
		renamed := utils.RenewOutputPath(target)
		f, err := os.OpenFile(renamed, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return codes.New(codes.ErrorStorage, cfg.URL, err)
		}
		f.Close()
		e.task.SetFile(renamed)
		e.task.SetTotals(-1)
		e.task.SetLoaded(0)
		e.totals = -1
	}
	return nil
}

func nameFromURL(u *url.URL) string {
	if u.Scheme != "data" {
		if name := utils.CleanFileName(path.Base(u.Path)); name != "" && name != "/" {
			return name
		}
	}
	return utils.URLHash(u.String())
}
