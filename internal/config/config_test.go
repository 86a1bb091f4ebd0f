package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 3 || cfg.Retry != 3 || !cfg.Resumable || !cfg.Force {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.ConnectTimeout != 6*time.Second || cfg.ReadTimeout != 10*time.Minute || cfg.DownloadTimeout != 0 {
		t.Errorf("unexpected timeouts %+v", cfg)
	}
	if cfg.Open.Mode != "exec" || cfg.Store.Prefix != "etags" {
		t.Errorf("unexpected nested defaults %+v %+v", cfg.Open, cfg.Store)
	}
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haul.yaml")
	content := `
workers: 5
read_timeout: 30s
headers:
  X-Token: abc
store:
  url: mem://
open:
  mode: none
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HAUL_RETRY", "1")
	t.Setenv("HAUL_STORE_PREFIX", "validators")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 5 || cfg.ReadTimeout != 30*time.Second {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Headers["x-token"] != "abc" && cfg.Headers["X-Token"] != "abc" {
		t.Errorf("headers not decoded: %v", cfg.Headers)
	}
	if cfg.Retry != 1 || cfg.Store.Prefix != "validators" || cfg.Store.URL != "mem://" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Open.Mode != "none" {
		t.Errorf("expected open mode none, got %q", cfg.Open.Mode)
	}
}

func TestExplicitFileMustExist(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing explicit config should fail")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		mutate func(*Config)
		ok     bool
	}{
		{func(c *Config) {}, true},
		{func(c *Config) { c.Workers = 0 }, false},
		{func(c *Config) { c.Retry = -1 }, false},
		{func(c *Config) { c.Open.Mode = "s3" }, false},
		{func(c *Config) { c.Open.Mode = "s3"; c.Open.Bucket = "b" }, true},
		{func(c *Config) { c.Open.Mode = "fax" }, false},
	}
	for i, tc := range cases {
		c := Config{Workers: 1, Open: OpenConfig{Mode: "exec"}}
		tc.mutate(&c)
		if err := c.Validate(); (err == nil) != tc.ok {
			t.Errorf("case %d: Validate() = %v", i, err)
		}
	}
}

func TestYAMLRendering(t *testing.T) {
	c := Config{Workers: 2, Dir: "/data", Open: OpenConfig{Mode: "none"}}
	out, err := c.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !strings.Contains(string(out), "workers: 2") {
		t.Errorf("unexpected rendering:\n%s", out)
	}
	var back map[string]any
	if err := yaml.Unmarshal(out, &back); err != nil || back["dir"] != "/data" {
		t.Errorf("rendering is not valid yaml: %v %v", err, back)
	}
}
