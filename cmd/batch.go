package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/haul/downloader"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/output"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string            `yaml:"op,omitempty"`
	Link       string            `yaml:"link"`
	MD5        string            `yaml:"md5,omitempty"`
	Serial     bool              `yaml:"serial,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// BatchFile lists downloads, optionally overriding the download directory
// for entries without an output path.
type BatchFile struct {
	Dir       string       `yaml:"dir,omitempty"`
	Downloads []BatchEntry `yaml:"downloads"`
}

func newBatchCmd() *cobra.Command {
	var noProgress bool
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), batch, noProgress)
		},
	}
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress display")
	return cmd
}

func readBatchFile(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading YAML file: %w", err)
	}
	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parsing YAML file: %w", err)
	}
	valid := batch.Downloads[:0]
	for _, entry := range batch.Downloads {
		if entry.Link == "" {
			fmt.Fprintln(os.Stderr, output.FWarning("Warning: empty link found, skipping..."))
			continue
		}
		valid = append(valid, entry)
	}
	batch.Downloads = valid
	if len(batch.Downloads) == 0 {
		return nil, errors.New("no valid downloads found in the batch file")
	}
	return &batch, nil
}

func runBatch(ctx context.Context, batch *BatchFile, noProgress bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var board *output.Board
	if !noProgress {
		board = output.NewBoard(os.Stdout)
	}
	m, err := newManager(board)
	if err != nil {
		return err
	}
	defer closeManager(m)

	var wg sync.WaitGroup
	var failed, paused atomic.Int32
	seen := map[string]bool{}
	for _, entry := range batch.Downloads {
		if seen[entry.Link] {
			log.Warn().Str("op", "cmd/batch").Str("url", entry.Link).Msg("duplicate link skipped")
			continue
		}
		seen[entry.Link] = true
		req := m.URL(entry.Link)
		if batch.Dir != "" {
			req.Dir(batch.Dir)
		}
		if entry.OutputPath != "" {
			req.Target(entry.OutputPath)
		}
		if entry.MD5 != "" {
			req.TargetChecksum(entry.MD5)
		}
		if entry.Serial {
			req.Serial()
		}
		for k, v := range entry.Headers {
			req.Header(k, v)
		}
		if board != nil {
			req.Indicator()
		}
		req.OnResult(func(_ context.Context, r downloader.Result) bool {
			defer wg.Done()
			switch {
			case r.Err == nil:
			case codes.Is(r.Err, codes.ErrorUserPause):
				paused.Add(1)
			default:
				failed.Add(1)
				log.Error().Str("op", "cmd/batch").Str("url", r.URL).Err(r.Err).Msg("download failed")
			}
			return false
		})
		wg.Add(1)
		if err := req.Enqueue(); err != nil {
			wg.Done()
			failed.Add(1)
			log.Error().Str("op", "cmd/batch").Str("url", entry.Link).Err(err).Msg("failed to enqueue")
		}
	}

	if board != nil {
		board.Start()
	}
	stop := pauseOnInterrupt(ctx, m)
	wg.Wait()
	stop()
	if board != nil {
		board.Stop()
	}

	if n := paused.Load(); n > 0 {
		fmt.Println(output.FWarning(fmt.Sprintf("%s %d download(s) interrupted; run the batch again to resume", output.StyleSymbols["pause"], n)))
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("encountered %d failed download(s)", n)
	}
	return nil
}
