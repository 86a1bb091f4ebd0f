package cmd

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tanq16/haul/internal/config"
	"github.com/tanq16/haul/utils"
)

func TestMain(m *testing.M) {
	utils.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/missing") {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "payload for "+r.URL.Path)
	}))
	t.Cleanup(server.Close)
	return server
}

func useConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := appConfig
	appConfig = &config.Config{
		Dir:            dir,
		Workers:        2,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		Resumable:      true,
		Force:          true,
		Store:          config.StoreConfig{URL: "mem://", Prefix: "etags"},
		Open:           config.OpenConfig{Mode: "none"},
	}
	t.Cleanup(func() { appConfig = prev })
	return dir
}

func writeBatch(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadBatchFile(t *testing.T) {
	path := writeBatch(t, `
dir: out
downloads:
  - link: http://example.com/a.bin
    op: a-renamed.bin
  - link: ""
  - link: http://example.com/b.bin
    md5: abc
    serial: true
    headers:
      X-Token: t1
`)
	batch, err := readBatchFile(path)
	if err != nil {
		t.Fatalf("readBatchFile: %v", err)
	}
	if batch.Dir != "out" || len(batch.Downloads) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	b := batch.Downloads[1]
	if b.MD5 != "abc" || !b.Serial || b.Headers["X-Token"] != "t1" {
		t.Errorf("entry fields not decoded: %+v", b)
	}

	if _, err := readBatchFile(writeBatch(t, "downloads: []\n")); err == nil {
		t.Error("empty batch should be rejected")
	}
	if _, err := readBatchFile(writeBatch(t, "downloads: [")); err == nil {
		t.Error("malformed YAML should be rejected")
	}
}

func TestRunBatch(t *testing.T) {
	server := fileServer(t)
	dir := useConfig(t)
	explicit := filepath.Join(t.TempDir(), "explicit.txt")
	batch := &BatchFile{Downloads: []BatchEntry{
		{Link: server.URL + "/one.txt"},
		{Link: server.URL + "/two.txt", OutputPath: explicit, Serial: true},
		{Link: server.URL + "/one.txt"},
	}}
	if err := runBatch(context.Background(), batch, true); err != nil {
		t.Fatalf("runBatch: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "one.txt")); string(got) != "payload for /one.txt" {
		t.Errorf("one.txt has %q", got)
	}
	if got, _ := os.ReadFile(explicit); string(got) != "payload for /two.txt" {
		t.Errorf("explicit target has %q", got)
	}
}

func TestRunBatchReportsFailures(t *testing.T) {
	server := fileServer(t)
	useConfig(t)
	batch := &BatchFile{Downloads: []BatchEntry{
		{Link: server.URL + "/ok.txt"},
		{Link: server.URL + "/missing.txt"},
	}}
	err := runBatch(context.Background(), batch, true)
	if err == nil || !strings.Contains(err.Error(), "1 failed") {
		t.Fatalf("expected one failure, got %v", err)
	}
}

func TestRunGet(t *testing.T) {
	server := fileServer(t)
	useConfig(t)
	sum := md5.Sum([]byte("payload for /get.txt"))
	target := filepath.Join(t.TempDir(), "got.txt")
	opts := getOptions{output: target, md5: hex.EncodeToString(sum[:]), checksum: true, noProgress: true}
	if err := runGet(context.Background(), server.URL+"/get.txt", opts); err != nil {
		t.Fatalf("runGet: %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "payload for /get.txt" {
		t.Errorf("unexpected content %q", got)
	}

	opts = getOptions{output: filepath.Join(t.TempDir(), "bad.txt"), md5: "00000000000000000000000000000000", noProgress: true}
	if err := runGet(context.Background(), server.URL+"/get.txt", opts); err == nil {
		t.Error("checksum mismatch should fail")
	}
}

func TestLoadConfigFromFlags(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Chdir(t.TempDir())
	t.Cleanup(func() { headers = nil })

	flags := rootCmd.PersistentFlags()
	if err := flags.Parse([]string{"--workers", "5", "-H", "X-Team: blue", "--retry", "1", "-a", "randomize"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		flags.Set("workers", "3")
		flags.Set("retry", "3")
		flags.Set("user-agent", "haul/1.0")
	})
	cfg, err := loadConfig(flags)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Workers != 5 || cfg.Retry != 1 {
		t.Errorf("flags not applied: workers=%d retry=%d", cfg.Workers, cfg.Retry)
	}
	if cfg.Headers["X-Team"] != "blue" {
		t.Errorf("header flag not merged: %v", cfg.Headers)
	}
	if cfg.UserAgent == "randomize" || cfg.UserAgent == "" {
		t.Errorf("user agent not randomized: %q", cfg.UserAgent)
	}
	if !strings.HasPrefix(cfg.Store.URL, "file://") {
		t.Errorf("expected the cache-backed store, got %q", cfg.Store.URL)
	}
	if cfg.ConnectTimeout != 6*time.Second {
		t.Errorf("default connect timeout lost: %v", cfg.ConnectTimeout)
	}
}
