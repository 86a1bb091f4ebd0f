package engine

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/utils"
)

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return flate.NewReader(resp.Body), nil
	}
	return io.NopCloser(resp.Body), nil
}

// transfer streams the body into the task file. The stop state is polled
// before every read; a write already started always completes.
func (e *Engine) transfer(ctx context.Context, cfg task.Config, resp *http.Response, appendMode bool, offset int64) (codes.Code, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(e.task.File(), flags, 0644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	e.lastLoaded = offset
	e.loaded = 0
	code, err := e.copyBody(ctx, cfg, f, body)
	if err != nil || code != codes.Successful {
		return code, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return e.verify(cfg)
}

func (e *Engine) copyBody(ctx context.Context, cfg task.Config, dst io.Writer, src io.Reader) (codes.Code, error) {
	buf := make([]byte, utils.BufferSize)
	for {
		if c, stopped := e.stopped(); stopped {
			log.Debug().Str("op", "engine/stream").Str("url", cfg.URL).Int64("written", e.lastLoaded+e.loaded).
				Str("reason", c.String()).Msg("stopping transfer")
			return c, nil
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return 0, err
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return 0, werr
			}
			e.loaded += int64(n)
			e.progress.Update(e.lastLoaded+e.loaded, e.totals)
			if cfg.DownloadTimeout > 0 && time.Since(e.beginTime) > cfg.DownloadTimeout {
				e.cause = fmt.Errorf("exceeded download timeout %s", cfg.DownloadTimeout)
				return codes.ErrorTimeOut, nil
			}
		}
		if rerr == io.EOF {
			return codes.Successful, nil
		}
		if rerr != nil {
			return 0, rerr
		}
	}
}

// verify computes the file checksum when requested and rejects a mismatch.
func (e *Engine) verify(cfg task.Config) (codes.Code, error) {
	if !cfg.CalculateChecksum && cfg.TargetChecksum == "" {
		return codes.Successful, nil
	}
	sum, err := utils.FileMD5(e.task.File())
	if err != nil {
		return 0, err
	}
	e.task.SetFileChecksum(sum)
	if cfg.TargetChecksum != "" && !equalChecksum(cfg.TargetChecksum, sum) {
		e.cause = fmt.Errorf("checksum %s does not match expected %s", sum, cfg.TargetChecksum)
		log.Warn().Str("op", "engine/stream").Str("url", cfg.URL).Str("file", e.task.File()).Msg("checksum mismatch")
		return codes.ErrorMD5, nil
	}
	return codes.Successful, nil
}

func equalChecksum(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
