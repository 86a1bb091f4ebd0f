package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"os"
	"strings"

	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/task"
)

var errBadDataURL = errors.New("malformed data url")

// decodeDataURL parses data:[<mediatype>][;base64],<data>.
func decodeDataURL(raw string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", nil, errBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errBadDataURL
	}
	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta, isBase64 = m, true
	}
	mimeType := meta
	if mimeType == "" || strings.HasPrefix(mimeType, ";") {
		mimeType = "text/plain" + mimeType
	}
	if isBase64 {
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		if unescaped, err := url.PathUnescape(payload); err == nil {
			payload = unescaped
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return "", nil, err
			}
		}
		return mimeType, data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, err
	}
	return mimeType, []byte(data), nil
}

// runData writes an inline data: URL without touching the network.
func (e *Engine) runData(ctx context.Context, cfg task.Config) codes.Code {
	mimeType, data, err := decodeDataURL(cfg.URL)
	if err != nil {
		e.cause = err
		return codes.ErrorLoad
	}
	e.task.SetResponseInfo(mimeType, "")
	e.totals = int64(len(data))
	e.task.SetTotals(e.totals)
	e.task.IncConnectTimes()
	if cb := cfg.Callbacks.OnStart; cb != nil {
		info := task.StartInfo{
			URL:           cfg.URL,
			MimeType:      mimeType,
			ContentLength: e.totals,
			Task:          e.task.Snapshot(),
		}
		e.callbackQueue(cfg).Post(context.Background(), func(qctx context.Context) { cb(qctx, info) })
	}

	f, err := os.OpenFile(e.task.File(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		e.cause = err
		return codes.ErrorStorage
	}
	defer f.Close()
	e.lastLoaded, e.loaded = 0, 0
	code, err := e.copyBody(ctx, cfg, f, bytes.NewReader(data))
	if err != nil {
		e.cause = err
		return codes.ErrorStorage
	}
	if code != codes.Successful {
		return code
	}
	code, err = e.verify(cfg)
	if err != nil {
		e.cause = err
		return codes.ErrorLoad
	}
	return code
}
