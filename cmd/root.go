package cmd

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/haul/downloader"
	"github.com/tanq16/haul/internal/config"
	"github.com/tanq16/haul/internal/dispatch"
	"github.com/tanq16/haul/internal/output"
	iutils "github.com/tanq16/haul/internal/utils"
	"github.com/tanq16/haul/utils"
)

var HaulVersion = "dev"

var (
	configPath string
	headers    []string
	appConfig  *config.Config
)

// flagKeys maps persistent flags to their config keys.
var flagKeys = map[string]string{
	"dir":              "dir",
	"workers":          "workers",
	"connect-timeout":  "connect_timeout",
	"read-timeout":     "read_timeout",
	"download-timeout": "download_timeout",
	"retry":            "retry",
	"unique-path":      "unique_path",
	"resumable":        "resumable",
	"force":            "force",
	"quick-progress":   "quick_progress",
	"user-agent":       "user_agent",
	"bearer-token":     "bearer_token",
	"limit":            "bandwidth_limit",
	"high-thread-mode": "high_thread_mode",
	"store":            "store.url",
	"open":             "open.mode",
	"debug":            "debug",
	"json-logs":        "json_logs",
}

var rootCmd = &cobra.Command{
	Use:           "haul",
	Short:         "Haul is a resumable concurrent download manager",
	Version:       HaulVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		utils.InitLogger(utils.LogOptions{Debug: cfg.Debug, JSON: cfg.JSONLogs})
		appConfig = cfg
		log.Debug().Str("op", "cmd/root").Str("dir", cfg.Dir).Int("workers", cfg.Workers).Msg("configuration loaded")
		return nil
	},
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "randomize" {
		cfg.UserAgent = iutils.GetRandomUserAgent()
	}
	if len(headers) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		maps.Copy(cfg.Headers, iutils.ParseHeaderArgs(headers))
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = defaultStoreURL()
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// defaultStoreURL keeps validators in the user cache so interrupted
// downloads resume across runs. It falls back to memory when no cache
// directory is usable.
func defaultStoreURL() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return "mem://"
	}
	dir := filepath.Join(base, "haul")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "mem://"
	}
	return "file://" + filepath.ToSlash(dir)
}

// newManager builds a manager from the loaded configuration, optionally
// drawing every indicator-enabled task on board.
func newManager(board *output.Board) (*downloader.Manager, error) {
	opts := []downloader.Option{downloader.WithConfig(appConfig)}
	if board != nil {
		main := dispatch.Main()
		opts = append(opts, downloader.WithIndicatorFactory(func(downloader.Snapshot) downloader.Indicator {
			return output.Throttled(board.NewIndicator(), main)
		}))
	}
	return downloader.New(opts...)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, output.FError(err.Error()))
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default $HOME/.config/haul/haul.yaml or ./haul.yaml)")
	pf.StringP("dir", "d", ".", "Directory for downloads without an explicit output path")
	pf.IntP("workers", "w", 3, "Number of downloads to run in parallel")
	pf.Duration("connect-timeout", 6*time.Second, "Connection timeout (eg. 5s, 1m)")
	pf.DurationP("read-timeout", "t", 10*time.Minute, "Timeout for each read from the server")
	pf.Duration("download-timeout", 0, "Timeout for the whole download; 0 means none")
	pf.IntP("retry", "r", 3, "Retries after a failed attempt")
	pf.Bool("unique-path", false, "Nest each file in a directory named after the URL hash")
	pf.Bool("resumable", true, "Resume partial files instead of starting over")
	pf.Bool("force", true, "Allow downloads over metered networks")
	pf.Bool("quick-progress", false, "Publish progress on a fixed tick")
	pf.StringP("user-agent", "a", iutils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	pf.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	pf.String("bearer-token", "", "Bearer token sent as the Authorization header")
	pf.Int64("limit", 0, "Bandwidth limit in bytes per second; 0 means unlimited")
	pf.Bool("high-thread-mode", false, "Size the connection pool for many simultaneous downloads")
	pf.String("store", "", "Bucket URL for resume validators (mem://, file:///path, s3://bucket)")
	pf.String("open", "exec", "Action for finished auto-open downloads (exec, s3 or none)")
	pf.Bool("debug", false, "Enable debug logging")
	pf.Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newConfigCmd())
}
