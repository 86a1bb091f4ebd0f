package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/haul/downloader"
	"github.com/tanq16/haul/internal/codes"
	"github.com/tanq16/haul/internal/output"
	iutils "github.com/tanq16/haul/internal/utils"
)

type getOptions struct {
	output     string
	md5        string
	checksum   bool
	autoOpen   bool
	serial     bool
	noProgress bool
}

func newGetCmd() *cobra.Command {
	var opts getOptions
	cmd := &cobra.Command{
		Use:   "get [URL] [OPTIONS]",
		Short: "Download a single URL and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file path (haul infers the file name if not provided)")
	cmd.Flags().StringVar(&opts.md5, "md5", "", "Expected MD5 of the finished file")
	cmd.Flags().BoolVar(&opts.checksum, "checksum", false, "Print the MD5 of the finished file")
	cmd.Flags().BoolVar(&opts.autoOpen, "open", false, "Run the open action once the file is complete")
	cmd.Flags().BoolVar(&opts.serial, "serial", false, "Run on the serial pool")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress display")
	return cmd
}

func runGet(ctx context.Context, url string, opts getOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var board *output.Board
	if !opts.noProgress {
		board = output.NewBoard(os.Stdout)
	}
	m, err := newManager(board)
	if err != nil {
		return err
	}
	defer closeManager(m)

	req := m.URL(url)
	if opts.output != "" {
		req.Target(opts.output)
	}
	if opts.md5 != "" {
		req.TargetChecksum(opts.md5)
	}
	if opts.checksum {
		req.CalculateChecksum()
	}
	if opts.autoOpen {
		req.AutoOpen()
	}
	if opts.serial {
		req.Serial()
	}
	var result downloader.Result
	req.OnResult(func(_ context.Context, r downloader.Result) bool {
		result = r
		return false
	})
	if board != nil {
		req.Indicator()
		board.Start()
	}

	stop := pauseOnInterrupt(ctx, m)
	path, err := req.Get(context.Background())
	stop()
	if board != nil {
		board.Stop()
	}

	if err != nil {
		if codes.Is(err, codes.ErrorUserPause) {
			fmt.Println(output.FWarning(output.StyleSymbols["pause"] + " Interrupted; run the same command again to resume"))
		}
		return err
	}
	fmt.Println(output.FSuccess(output.StyleSymbols["pass"] + " Saved " + path))
	snap := result.Task
	if snap.Totals > 0 {
		fmt.Println(output.FInfo(fmt.Sprintf("  %s in %s", iutils.FormatBytes(uint64(snap.Totals)), snap.UsedTime.Round(time.Millisecond))))
	}
	if snap.FileChecksum != "" {
		fmt.Println(output.FInfo("  md5 " + snap.FileChecksum))
	}
	return nil
}

// pauseOnInterrupt pauses every transfer of m once the process receives
// SIGINT or SIGTERM, keeping partial files for the next run. The returned
// func stops watching and must be called after the transfers end.
func pauseOnInterrupt(ctx context.Context, m *downloader.Manager) func() {
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
		case <-done:
			return
		}
		// Transfers still connecting cannot be paused yet; keep trying
		// until they reach the download phase or finish.
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			n := m.PauseAll()
			log.Debug().Str("op", "cmd/interrupt").Int("paused", n).Msg("interrupt received")
			select {
			case <-ticker.C:
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		cancel()
	}
}

func closeManager(m *downloader.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		log.Error().Str("op", "cmd/close").Err(err).Msg("failed to close manager")
	}
}
