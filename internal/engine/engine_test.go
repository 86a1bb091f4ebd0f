package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/utils"
)

func TestMain(m *testing.M) {
	utils.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Save(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Get(_ context.Context, key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func testConfig(t *testing.T, url string) task.Config {
	t.Helper()
	cfg := task.DefaultConfig()
	cfg.URL = url
	cfg.Dir = t.TempDir()
	cfg.UniquePath = false
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

type testRig struct {
	queue *dispatch.Queue
	store *memStore
	free  int64
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	q := dispatch.NewQueue("engine-test")
	t.Cleanup(q.Quit)
	return &testRig{queue: q, store: newMemStore(), free: 1 << 40}
}

func (r *testRig) engine(t *testing.T, tk *task.Task) *Engine {
	t.Helper()
	tk.SetStatusQueue(r.queue)
	e := New(tk, Deps{
		Store:     r.store,
		MainQueue: r.queue,
		FreeSpace: func(string) (int64, error) { return r.free, nil },
	}, nil)
	if err := e.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := tk.Transition(task.StatusPending); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if err := tk.Transition(task.StatusDownloading); err != nil {
		t.Fatalf("to downloading: %v", err)
	}
	return e
}

// drain waits for callbacks already posted to the rig's queue.
func (r *testRig) drain(t *testing.T) {
	t.Helper()
	if err := r.queue.PostBlocking(context.Background(), func(context.Context) {}); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

func TestFreshDownload(t *testing.T) {
	data := payload(1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Errorf("first download must not send Range, got %q", r.Header.Get("Range"))
		}
		if r.Header.Get("Accept-Encoding") != "deflate,gzip" {
			t.Errorf("unexpected Accept-Encoding %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Length", "1000")
		w.Write(data)
	}))
	defer server.Close()

	var mu sync.Mutex
	var last task.Progress
	cfg := testConfig(t, server.URL+"/files/blob.bin")
	cfg.Callbacks.OnProgress = func(_ context.Context, p task.Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	}
	tk := task.New(cfg)
	rig := newRig(t)
	e := rig.engine(t, tk)

	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if filepath.Base(tk.File()) != "blob.bin" {
		t.Errorf("expected file named from URL path, got %s", tk.File())
	}
	if got := readFile(t, tk.File()); !bytes.Equal(got, data) {
		t.Errorf("file content mismatch, got %d bytes", len(got))
	}
	rig.drain(t)
	mu.Lock()
	defer mu.Unlock()
	if last.Loaded != 1000 || last.Total != 1000 {
		t.Errorf("final progress must report completion, got %+v", last)
	}
}

func TestPauseAndResumeSendsRange(t *testing.T) {
	data := payload(1000)
	var requests atomic.Int32
	var rangeSeen, ifMatchSeen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Header().Set("ETag", `"v1"`)
		if rng := r.Header.Get("Range"); rng != "" {
			rangeSeen.Store(rng)
			ifMatchSeen.Store(r.Header.Get("If-Match"))
			start, _ := strconv.Atoi(rng[len("bytes=") : len(rng)-1])
			w.Header().Set("Content-Length", strconv.Itoa(len(data)-start))
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data[start:])
			return
		}
		w.Header().Set("Content-Length", "1000")
		if n == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write(data[:400])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/movie.mp4")
	cfg.ReadTimeout = 300 * time.Millisecond
	tk := task.New(cfg)
	rig := newRig(t)
	e := rig.engine(t, tk)

	done := make(chan codes.Code, 1)
	go func() { done <- e.Run(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for fileLength(tk.File()) < 400 {
		if time.Now().After(deadline) {
			t.Fatal("first 400 bytes never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !e.Pause() {
		t.Fatal("Pause should succeed while downloading")
	}
	if tk.Status() != task.StatusPausing {
		t.Errorf("expected pausing, got %s", tk.Status())
	}
	if code := <-done; code != codes.ErrorUserPause {
		t.Fatalf("expected user pause, got %s", code)
	}
	if n := fileLength(tk.File()); n != 400 {
		t.Fatalf("paused file should hold 400 bytes, has %d", n)
	}

	tk.Transition(task.StatusPaused)
	tk.Reset()
	e2 := rig.engine(t, tk)
	if code := e2.Run(context.Background()); code != codes.Successful {
		t.Fatalf("resume failed: %s (%v)", code, e2.Cause())
	}
	if got, _ := rangeSeen.Load().(string); got != "bytes=400-" {
		t.Errorf("expected Range bytes=400-, got %q", got)
	}
	if got, _ := ifMatchSeen.Load().(string); got != `"v1"` {
		t.Errorf("expected cached ETag replayed as If-Match, got %q", got)
	}
	if got := readFile(t, tk.File()); !bytes.Equal(got, data) {
		t.Errorf("resumed file differs from source (%d bytes)", len(got))
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/missing")
	cfg.Retry = 3
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)

	if code := e.Run(context.Background()); code != codes.ErrorResourceNotFound {
		t.Fatalf("expected resource not found, got %s", code)
	}
	if requests.Load() != 1 {
		t.Errorf("404 must not be retried, saw %d requests", requests.Load())
	}
	if e.Cause() == nil {
		t.Error("expected a cause for the failure")
	}
}

func TestRedirectFollowed(t *testing.T) {
	data := payload(300)
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "300")
		w.Write(data)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/old"))
	e := newRig(t).engine(t, tk)

	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if tk.RedirectURL() != server.URL+"/new" {
		t.Errorf("redirect not recorded, got %q", tk.RedirectURL())
	}
	if got := readFile(t, tk.File()); !bytes.Equal(got, data) {
		t.Error("content mismatch after redirect")
	}
}

func TestTooManyRedirects(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		http.Redirect(w, r, fmt.Sprintf("/hop%d", n), http.StatusTemporaryRedirect)
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/start"))
	e := newRig(t).engine(t, tk)

	done := make(chan codes.Code, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case code := <-done:
		if code != codes.ErrorTooManyRedirects {
			t.Fatalf("expected too many redirects, got %s", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("redirect loop did not terminate")
	}
	if requests.Load() != 8 {
		t.Errorf("expected 8 requests (7 redirects followed), got %d", requests.Load())
	}
}

func TestRedirectWithoutLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/x"))
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorService {
		t.Fatalf("expected service error, got %s", code)
	}
}

func TestChecksumMismatch(t *testing.T) {
	data := payload(512)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "512")
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/a.bin")
	cfg.TargetChecksum = "abc123"
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)

	if code := e.Run(context.Background()); code != codes.ErrorMD5 {
		t.Fatalf("expected checksum mismatch, got %s", code)
	}
	if fileLength(tk.File()) != 512 {
		t.Error("all bytes should have been transferred")
	}
	if tk.FileChecksum() != md5Hex(data) {
		t.Errorf("computed checksum not recorded, got %q", tk.FileChecksum())
	}
}

func TestChecksumMatchIgnoresCase(t *testing.T) {
	data := payload(64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "64")
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/b.bin")
	cfg.TargetChecksum = " " + strings.ToUpper(md5Hex(data)) + " "
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
}

func TestServiceErrorRetried(t *testing.T) {
	data := payload(100)
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", "100")
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/flaky")
	cfg.Retry = 3
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success after retries, got %s (%v)", code, e.Cause())
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", requests.Load())
	}
}

func TestServiceErrorExhausted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/down")
	cfg.Retry = 1
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorService {
		t.Fatalf("expected service error, got %s", code)
	}
	if requests.Load() != 2 {
		t.Errorf("expected one retry, got %d requests", requests.Load())
	}
}

func TestOtherStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/nope"))
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorResponseStatus {
		t.Fatalf("expected response status error, got %s", code)
	}
}

func TestContentDispositionRename(t *testing.T) {
	data := payload(10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", "10")
		w.Write(data)
	}))
	defer server.Close()

	started := make(chan task.StartInfo, 1)
	cfg := testConfig(t, server.URL+"/download?id=7")
	cfg.Callbacks.OnStart = func(_ context.Context, info task.StartInfo) { started <- info }
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)

	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s", code)
	}
	if filepath.Base(tk.File()) != "report.pdf" {
		t.Errorf("expected rename to report.pdf, got %s", tk.File())
	}
	if _, err := os.Stat(filepath.Join(cfg.Dir, "download")); !os.IsNotExist(err) {
		t.Error("placeholder file should have been renamed away")
	}
	select {
	case info := <-started:
		if info.MimeType != "application/pdf" || info.ContentLength != 10 || info.UserAgent == "" {
			t.Errorf("unexpected start info %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnStart not delivered")
	}
}

func TestRangeNotSatisfiableRestarts(t *testing.T) {
	data := payload(200)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", "200")
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/r.bin")
	os.WriteFile(filepath.Join(cfg.Dir, "r.bin"), []byte("stale-bytes"), 0644)
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)

	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if got := readFile(t, tk.File()); !bytes.Equal(got, data) {
		t.Errorf("expected fresh content after 416, got %q", got[:min(len(got), 20)])
	}
}

func TestPartialLengthMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload(10))
			return
		}
		w.Header().Set("Content-Length", "500")
		w.Write(payload(500))
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/m.bin")
	os.WriteFile(filepath.Join(cfg.Dir, "m.bin"), payload(100), 0644)
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorLoad {
		t.Fatalf("expected load error on length mismatch, got %s", code)
	}
	if fileLength(tk.File()) != 100 {
		t.Error("existing bytes must be kept on mismatch")
	}
}

func TestPartialWithoutLengthIsComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.Header().Set("Content-Length", "100")
		w.Write(payload(100))
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/p.bin")
	os.WriteFile(filepath.Join(cfg.Dir, "p.bin"), payload(40), 0644)
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected 206 without length to count as complete, got %s", code)
	}
}

func TestAmbiguousLengthRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Type: text/plain\r\n\r\nno framing here")
		buf.Flush()
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/amb"))
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorLoad {
		t.Fatalf("expected load error for unframed body, got %s", code)
	}
}

func TestChunkedDownload(t *testing.T) {
	data := payload(3 * 8192)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < len(data); i += 8192 {
			w.Write(data[i : i+8192])
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/stream"))
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if tk.Totals() != -1 {
		t.Errorf("chunked total should be unknown, got %d", tk.Totals())
	}
	if !bytes.Equal(readFile(t, tk.File()), data) {
		t.Error("chunked content mismatch")
	}
}

func TestGzipBodyDecoded(t *testing.T) {
	data := payload(2000)
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write(data)
	zw.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(compressed.Len()))
		w.Write(compressed.Bytes())
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/z.txt"))
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if !bytes.Equal(readFile(t, tk.File()), data) {
		t.Error("gzip body was not decoded")
	}
}

func TestInsufficientSpace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(payload(1000))
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/big"))
	rig := newRig(t)
	rig.free = 50 * 1024 * 1024
	e := rig.engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorStorage {
		t.Fatalf("expected storage error, got %s", code)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	tk := task.New(testConfig(t, server.URL+"/c"))
	e := newRig(t).engine(t, tk)
	e.Cancel()
	if code := e.Run(context.Background()); code != codes.ErrorUserCancel {
		t.Fatalf("expected user cancel, got %s", code)
	}
	if requests.Load() != 0 {
		t.Error("canceled transfer must not connect")
	}
}

func TestDownloadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		for i := 0; i < 100; i++ {
			if _, err := w.Write(payload(1000)); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/slow")
	cfg.DownloadTimeout = 100 * time.Millisecond
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.ErrorTimeOut {
		t.Fatalf("expected timeout, got %s", code)
	}
}

func TestExistingFileAccepted(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	data := payload(256)
	cfg := testConfig(t, server.URL+"/done.bin")
	cfg.ContentLength = 256
	cfg.TargetChecksum = md5Hex(data)
	os.WriteFile(filepath.Join(cfg.Dir, "done.bin"), data, 0644)
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected accepted file, got %s", code)
	}
	if requests.Load() != 0 {
		t.Error("accepted file must not be downloaded again")
	}
}

func TestExistingFileRenamed(t *testing.T) {
	data := payload(256)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "256")
		w.Write(data)
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/dup.bin")
	cfg.ContentLength = 256
	os.WriteFile(filepath.Join(cfg.Dir, "dup.bin"), payload(256), 0644)
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if filepath.Base(tk.File()) != "(1)dup.bin" {
		t.Fatalf("expected rename to (1)dup.bin, got %s", tk.File())
	}
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s", code)
	}
}

func TestUniquePath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	cfg := testConfig(t, server.URL+"/u.txt")
	cfg.UniquePath = true
	tk := task.New(cfg)
	newRig(t).engine(t, tk)
	dir := filepath.Base(filepath.Dir(tk.File()))
	if len(dir) != 32 {
		t.Errorf("expected a hashed directory, got %s", tk.File())
	}
}

func TestDataURL(t *testing.T) {
	cfg := testConfig(t, "data:text/plain;base64,aGVsbG8gd29ybGQ=")
	cfg.CalculateChecksum = true
	tk := task.New(cfg)
	e := newRig(t).engine(t, tk)
	if code := e.Run(context.Background()); code != codes.Successful {
		t.Fatalf("expected success, got %s (%v)", code, e.Cause())
	}
	if string(readFile(t, tk.File())) != "hello world" {
		t.Error("data url not decoded")
	}
	if tk.MimeType() != "text/plain" || tk.FileChecksum() == "" {
		t.Errorf("unexpected metadata mime=%q sum=%q", tk.MimeType(), tk.FileChecksum())
	}
}

func TestUnsupportedScheme(t *testing.T) {
	tk := task.New(testConfig(t, "ftp://example.com/file"))
	e := New(tk, Deps{}, nil)
	if err := e.Prepare(); !codes.Is(err, codes.ErrorLoad) {
		t.Fatalf("expected load error for ftp, got %v", err)
	}
}

type fakeNetwork struct{ connected, unmetered bool }

func (f fakeNetwork) Connected() bool { return f.connected }
func (f fakeNetwork) Unmetered() bool { return f.unmetered }

func TestNetworkPolicy(t *testing.T) {
	cfg := testConfig(t, "https://example.invalid/file")
	cfg.Force = false
	e := New(task.New(cfg), Deps{Network: fakeNetwork{connected: true}}, nil)
	if e.checkNet(cfg) {
		t.Error("metered network must be refused without force")
	}
	cfg.Force = true
	if !e.checkNet(cfg) {
		t.Error("force should accept any connectivity")
	}
	e = New(task.New(cfg), Deps{Network: fakeNetwork{}}, nil)
	if e.checkNet(cfg) {
		t.Error("no connectivity must fail")
	}
}
