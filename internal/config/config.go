// Package config loads haul settings from haul.yaml, HAUL_* environment
// variables and bound command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "HAUL"

type StoreConfig struct {
	// URL of a gocloud bucket (mem://, file:///path, s3://bucket). Empty
	// keeps validators in memory for the process lifetime.
	URL    string `yaml:"url" mapstructure:"url"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

type OpenConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"` // exec, s3 or none
	Bucket  string `yaml:"bucket" mapstructure:"bucket"`
	Prefix  string `yaml:"prefix" mapstructure:"prefix"`
	Profile string `yaml:"profile" mapstructure:"profile"`
}

type Config struct {
	Dir             string            `yaml:"dir" mapstructure:"dir"`
	Workers         int               `yaml:"workers" mapstructure:"workers"`
	ConnectTimeout  time.Duration     `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout     time.Duration     `yaml:"read_timeout" mapstructure:"read_timeout"`
	DownloadTimeout time.Duration     `yaml:"download_timeout" mapstructure:"download_timeout"`
	Retry           int               `yaml:"retry" mapstructure:"retry"`
	UniquePath      bool              `yaml:"unique_path" mapstructure:"unique_path"`
	Resumable       bool              `yaml:"resumable" mapstructure:"resumable"`
	Force           bool              `yaml:"force" mapstructure:"force"`
	QuickProgress   bool              `yaml:"quick_progress" mapstructure:"quick_progress"`
	UserAgent       string            `yaml:"user_agent" mapstructure:"user_agent"`
	Headers         map[string]string `yaml:"headers" mapstructure:"headers"`
	BearerToken     string            `yaml:"bearer_token" mapstructure:"bearer_token"`
	BandwidthLimit  int64             `yaml:"bandwidth_limit" mapstructure:"bandwidth_limit"`
	HighThreadMode  bool              `yaml:"high_thread_mode" mapstructure:"high_thread_mode"`
	Store           StoreConfig       `yaml:"store" mapstructure:"store"`
	Open            OpenConfig        `yaml:"open" mapstructure:"open"`
	Debug           bool              `yaml:"debug" mapstructure:"debug"`
	JSONLogs        bool              `yaml:"json_logs" mapstructure:"json_logs"`
}

// New returns a viper instance carrying the defaults and environment binding.
// Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("dir", ".")
	v.SetDefault("workers", 3)
	v.SetDefault("connect_timeout", 6*time.Second)
	v.SetDefault("read_timeout", 10*time.Minute)
	v.SetDefault("download_timeout", time.Duration(0))
	v.SetDefault("retry", 3)
	v.SetDefault("unique_path", false)
	v.SetDefault("resumable", true)
	v.SetDefault("force", true)
	v.SetDefault("quick_progress", false)
	v.SetDefault("user_agent", "")
	v.SetDefault("headers", map[string]string{})
	v.SetDefault("bearer_token", "")
	v.SetDefault("bandwidth_limit", 0)
	v.SetDefault("high_thread_mode", false)
	v.SetDefault("store.url", "")
	v.SetDefault("store.prefix", "etags")
	v.SetDefault("open.mode", "exec")
	v.SetDefault("open.bucket", "")
	v.SetDefault("open.prefix", "")
	v.SetDefault("open.profile", "")
	v.SetDefault("debug", false)
	v.SetDefault("json_logs", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, or haul.yaml from the user config
// directory or the working directory when path is empty. A missing default
// file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("haul")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/.config/haul")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retry < 0 {
		return fmt.Errorf("retry must not be negative, got %d", c.Retry)
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth_limit must not be negative, got %d", c.BandwidthLimit)
	}
	switch c.Open.Mode {
	case "exec", "none", "":
	case "s3":
		if c.Open.Bucket == "" {
			return errors.New("open.bucket is required when open.mode is s3")
		}
	default:
		return fmt.Errorf("unknown open.mode %q", c.Open.Mode)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
