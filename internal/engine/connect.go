package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/utils"
)

type step int

const (
	stepDone step = iota
	stepNext
)

// doDownload runs the connection loop once. A nil error carries a protocol
// result; a non-nil error is a transport failure eligible for retry.
func (e *Engine) doDownload(ctx context.Context, cfg task.Config) (codes.Code, error) {
	e.task.SetRedirectURL("")
	target, err := url.Parse(cfg.URL)
	if err != nil {
		e.cause = err
		return codes.ErrorLoad, nil
	}
	for hop := 0; hop <= utils.MaxRedirects; hop++ {
		if c, stopped := e.stopped(); stopped {
			return c, nil
		}
		fileLen := fileLength(e.task.File())
		first := e.task.ConnectTimes() <= 0
		req, err := e.newRequest(ctx, cfg, target, first, fileLen)
		if err != nil {
			e.cause = err
			return codes.ErrorLoad, nil
		}
		log.Debug().Str("op", "engine/connect").Str("url", target.String()).Bool("first", first).
			Int64("offset", fileLen).Msg("connecting")
		resp, err := e.client.Do(req)
		if err != nil {
			return 0, err
		}
		next, code, err := e.handleResponse(ctx, cfg, resp, target, first, fileLen)
		resp.Body.Close()
		if err != nil {
			return 0, err
		}
		if next == nil {
			return code, nil
		}
		target = next
	}
	e.cause = fmt.Errorf("more than %d redirects", utils.MaxRedirects)
	return codes.ErrorTooManyRedirects, nil
}

func (e *Engine) newRequest(ctx context.Context, cfg task.Config, target *url.URL, first bool, fileLen int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "deflate,gzip")
	if !first && fileLen > 0 {
		if etag := e.loadETag(ctx, cfg.URL); etag != "" {
			req.Header.Set("If-Match", etag)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", fileLen))
	}
	return req, nil
}

// handleResponse classifies one response. A non-nil URL means follow it;
// otherwise the code is final.
func (e *Engine) handleResponse(ctx context.Context, cfg task.Config, resp *http.Response, current *url.URL, first bool, fileLen int64) (*url.URL, codes.Code, error) {
	chunked := isChunked(resp)
	contentLength := headerLength(resp)
	hasLength := contentLength > 0
	ambiguous := chunked == hasLength

	if resp.StatusCode == http.StatusPartialContent && !hasLength {
		return nil, codes.Successful, nil
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if ambiguous {
			e.cause = fmt.Errorf("unusable body framing: chunked=%v length=%d", chunked, contentLength)
			return nil, codes.ErrorLoad, nil
		}
		e.totals = contentLength
		if first {
			e.start(cfg, resp, contentLength)
			e.task.IncConnectTimes()
			fileLen = fileLength(e.task.File())
			if fileLen > 0 && !chunked {
				return current, 0, nil
			}
		}
		if chunked {
			e.totals = -1
		} else if fileLen >= contentLength {
			e.lastLoaded = fileLen
			return nil, codes.Successful, nil
		}
		e.task.SetTotals(e.totals)
		if !chunked && !e.checkSpace(fileLen) {
			return nil, codes.ErrorStorage, nil
		}
		e.saveETag(ctx, cfg.URL, resp)
		return e.finish(e.transfer(ctx, cfg, resp, false, 0))

	case http.StatusPartialContent:
		if chunked {
			e.totals = -1
		} else if e.totals > 0 && contentLength+fileLen != e.totals {
			e.cause = fmt.Errorf("partial length %d from offset %d does not match total %d", contentLength, fileLen, e.totals)
			return nil, codes.ErrorLoad, nil
		} else if e.totals <= 0 {
			e.totals = contentLength + fileLen
		}
		e.task.SetTotals(e.totals)
		if !e.checkSpace(fileLen) {
			return nil, codes.ErrorStorage, nil
		}
		return e.finish(e.transfer(ctx, cfg, resp, true, fileLen))

	case http.StatusRequestedRangeNotSatisfiable:
		log.Debug().Str("op", "engine/connect").Str("url", cfg.URL).Msg("range not satisfiable, restarting from zero")
		if err := os.Truncate(e.task.File(), 0); err != nil {
			return nil, 0, err
		}
		return current, 0, nil

	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		location := resp.Header.Get("Location")
		if location == "" {
			e.cause = errors.New("redirect without location")
			return nil, codes.ErrorService, nil
		}
		next, err := current.Parse(location)
		if err != nil {
			e.cause = fmt.Errorf("bad redirect location %q: %w", location, err)
			return nil, codes.ErrorService, nil
		}
		e.task.SetRedirectURL(next.String())
		log.Debug().Str("op", "engine/connect").Str("from", current.String()).Str("to", next.String()).Msg("redirect")
		return next, 0, nil

	case http.StatusNotFound:
		e.cause = &statusError{StatusCode: resp.StatusCode, URL: current.String()}
		return nil, codes.ErrorResourceNotFound, nil

	case http.StatusInternalServerError, http.StatusNotImplemented, http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, 0, &statusError{StatusCode: resp.StatusCode, URL: current.String()}
	}
	e.cause = &statusError{StatusCode: resp.StatusCode, URL: current.String()}
	return nil, codes.ErrorResponseStatus, nil
}

func (e *Engine) finish(code codes.Code, err error) (*url.URL, codes.Code, error) {
	return nil, code, err
}

// start captures response metadata on a task's first connection and adopts
// the server-suggested file name.
func (e *Engine) start(cfg task.Config, resp *http.Response, contentLength int64) {
	disposition := resp.Header.Get("Content-Disposition")
	mimeType := resp.Header.Get("Content-Type")
	e.task.SetResponseInfo(mimeType, disposition)
	e.task.SetTotals(contentLength)

	if cfg.File == "" {
		if name := FileNameFromDisposition(disposition); name != "" {
			e.adoptName(name)
		}
	}
	if cb := cfg.Callbacks.OnStart; cb != nil {
		info := task.StartInfo{
			URL:                cfg.URL,
			UserAgent:          resp.Request.Header.Get("User-Agent"),
			ContentDisposition: disposition,
			MimeType:           mimeType,
			ContentLength:      contentLength,
			Task:               e.task.Snapshot(),
		}
		e.callbackQueue(cfg).Post(context.Background(), func(qctx context.Context) { cb(qctx, info) })
	}
}

func (e *Engine) adoptName(name string) {
	current := e.task.File()
	renamed := filepath.Join(filepath.Dir(current), name)
	if renamed == current {
		return
	}
	if _, err := os.Stat(renamed); err == nil {
		if fileLength(current) == 0 {
			os.Remove(current)
		}
		e.task.SetFile(renamed)
	} else if err := os.Rename(current, renamed); err != nil {
		log.Warn().Str("op", "engine/connect").Str("file", current).Err(err).Msg("rename to server name failed")
		return
	} else {
		e.task.SetFile(renamed)
	}
	if e.indicator != nil {
		e.indicator.UpdateTitle(e.task.Snapshot())
	}
}

func (e *Engine) checkSpace(fileLen int64) bool {
	if e.totals <= 0 {
		return true
	}
	free, err := e.deps.FreeSpace(filepath.Dir(e.task.File()))
	if err != nil {
		log.Debug().Str("op", "engine/connect").Err(err).Msg("free space unknown, skipping check")
		return true
	}
	if e.totals-fileLen > free-utils.SpaceMargin {
		e.cause = fmt.Errorf("need %s, %s free", utils.FormatBytes(uint64(e.totals-fileLen)), utils.FormatBytes(uint64(max(free, 0))))
		return false
	}
	return true
}

func (e *Engine) loadETag(ctx context.Context, rawURL string) string {
	if e.deps.Store == nil {
		return ""
	}
	etag := e.deps.Store.Get(ctx, utils.URLHash(rawURL), "-1")
	if etag == "-1" {
		return ""
	}
	return etag
}

func (e *Engine) saveETag(ctx context.Context, rawURL string, resp *http.Response) {
	etag := resp.Header.Get("ETag")
	if etag == "" || e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.Save(ctx, utils.URLHash(rawURL), etag); err != nil {
		log.Warn().Str("op", "engine/connect").Err(err).Msg("could not persist etag")
	}
}

func isChunked(resp *http.Response) bool {
	if slices.Contains(resp.TransferEncoding, "chunked") {
		return true
	}
	return strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked")
}

func headerLength(resp *http.Response) int64 {
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return resp.ContentLength
}

func fileLength(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
