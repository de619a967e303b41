package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/adgate"
	"github.com/xkilldash9x/weektop-dl/internal/browser"
	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/download"
	"github.com/xkilldash9x/weektop-dl/internal/listing"
	"github.com/xkilldash9x/weektop-dl/internal/network"
	"github.com/xkilldash9x/weektop-dl/internal/observability"
	"github.com/xkilldash9x/weektop-dl/internal/orchestrator"
	"github.com/xkilldash9x/weektop-dl/internal/resolver"
)

// runPipeline is swapped out in tests.
var runPipeline = executeRun

// newRunCmd creates and configures the `run` command.
func newRunCmd(v *viper.Viper) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Download every song on the first N pages of the weekly chart",
		Args:  cobra.NoArgs,
		// Flags are bound here so they override config file and environment values.
		PreRunE: func(cmd *cobra.Command, args []string) error {
			bindings := map[string]string{
				"run.page_count":          "pages",
				"run.song_delay":          "song-delay",
				"download.save_directory": "save-dir",
				"download.progress":       "progress",
				"browser.headless":        "headless",
			}
			for key, flag := range bindings {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}

			summary, err := runPipeline(ctx, cfg, logger)
			printSummary(cmd, summary)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted by user signal", zap.String("run_id", summary.RunID))
				}
				return err
			}
			return nil
		},
	}

	defaults := config.NewDefaultConfig()
	runCmd.Flags().IntP("pages", "p", defaults.Run.PageCount, "Number of listing pages to process. (Overrides config/env)")
	runCmd.Flags().StringP("save-dir", "o", defaults.Download.SaveDirectory, "Directory the MP3 files are written to. (Overrides config/env)")
	runCmd.Flags().Duration("song-delay", defaults.Run.SongDelay, "Pause after each song. (Overrides config/env)")
	runCmd.Flags().Bool("headless", defaults.Browser.Headless, "Run the browser without a window. (Overrides config/env)")
	runCmd.Flags().Bool("progress", defaults.Download.Progress, "Show a progress bar per download. (Overrides config/env)")

	return runCmd
}

// executeRun wires the components and runs the orchestrator.
func executeRun(ctx context.Context, cfg *config.Config, logger *zap.Logger) (orchestrator.Summary, error) {
	session, err := network.NewSession(cfg.Network, logger)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("failed to create HTTP session: %w", err)
	}
	defer session.Close()

	fetcher, err := listing.NewFetcher(cfg.Site, session, logger)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	gate := adgate.New(cfg.Site, session, logger)
	downloader := download.NewDownloader(cfg.Download, session, logger)

	page, err := browser.NewSession(ctx, cfg.Browser, cfg.Network.UserAgent, logger)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	linkResolver := resolver.New(page, gate, session, cfg.Site.Selectors, cfg.Browser, logger)

	orch, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg), orchestrator.Deps{
		Lister:     fetcher,
		Resolver:   linkResolver,
		Downloader: downloader,
		Browser:    page,
		Probe:      download.Probe,
	}, logger)
	if err != nil {
		_ = page.Close()
		return orchestrator.Summary{}, err
	}
	return orch.Run(ctx)
}

func printSummary(cmd *cobra.Command, s orchestrator.Summary) {
	if s.RunID == "" {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRun %s finished in %s.\n", s.RunID, s.Finished.Sub(s.Started).Round(time.Second))
	fmt.Fprintf(out, "Downloaded %d of %d songs (%s), skipped %d.\n",
		s.Downloaded, s.Attempted, humanize.Bytes(uint64(s.Bytes)), s.Skipped())
	for _, kind := range orchestrator.FailureKinds() {
		if n := s.Counts[kind]; n > 0 {
			fmt.Fprintf(out, "  %-28s %d\n", kind, n)
		}
	}
}
