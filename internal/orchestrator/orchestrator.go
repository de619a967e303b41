// File: internal/orchestrator/orchestrator.go
// Description: Drives a whole run: listing pages, per-song link resolution and
// download. It is injected with fully configured components via interfaces.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/download"
	"github.com/xkilldash9x/weektop-dl/internal/listing"
	"github.com/xkilldash9x/weektop-dl/internal/resolver"
)

// Options is the explicit per-run configuration.
type Options struct {
	BasePageURLTemplate string
	PageCount           int
	SaveDirectory       string
	UserAgent           string
	SongDelay           time.Duration
}

// OptionsFromConfig picks the run options out of the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BasePageURLTemplate: cfg.Site.ListingURLTemplate,
		PageCount:           cfg.Run.PageCount,
		SaveDirectory:       cfg.Download.SaveDirectory,
		UserAgent:           cfg.Network.UserAgent,
		SongDelay:           cfg.Run.SongDelay,
	}
}

// Lister fetches one listing page.
type Lister interface {
	Fetch(ctx context.Context, page int) ([]listing.SongEntry, error)
}

// LinkResolver turns a song page into a direct download URL.
type LinkResolver interface {
	Resolve(ctx context.Context, songURL string) (string, error)
	Dismiss(ctx context.Context) error
}

// Downloader writes a remote file to disk.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Deps are the components a run is built from. Browser is closed when the run
// ends; Probe is optional.
type Deps struct {
	Lister     Lister
	Resolver   LinkResolver
	Downloader Downloader
	Browser    io.Closer
	Probe      func(path string) (download.AudioInfo, error)
}

// Orchestrator runs the listing-resolve-download loop.
type Orchestrator struct {
	opts   Options
	deps   Deps
	logger *zap.Logger
}

// New creates an Orchestrator.
func New(opts Options, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Lister == nil || deps.Resolver == nil || deps.Downloader == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if opts.PageCount <= 0 {
		return nil, fmt.Errorf("page count must be positive, got %d", opts.PageCount)
	}
	if opts.SaveDirectory == "" {
		return nil, fmt.Errorf("save directory is required")
	}
	return &Orchestrator{opts: opts, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Run processes pages 1..PageCount. Per-song and per-page failures are logged,
// recorded in the summary and skipped. The browser is closed before Run
// returns. The returned error is only non-nil when ctx ended the run early.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	summary := newSummary(uuid.NewString())
	logger := o.logger.With(zap.String("run_id", summary.RunID))
	logger.Info("Starting run.",
		zap.Int("pages", o.opts.PageCount),
		zap.String("listing", o.opts.BasePageURLTemplate),
		zap.String("save_dir", o.opts.SaveDirectory),
		zap.String("user_agent", o.opts.UserAgent),
	)

	runErr := o.runPages(ctx, logger, summary)

	if o.deps.Browser != nil {
		if err := o.deps.Browser.Close(); err != nil {
			logger.Warn("Failed to close browser.", zap.Error(err))
		}
	}

	summary.Finished = time.Now()
	logger.Info("All done.",
		zap.Int("attempted", summary.Attempted),
		zap.Int("downloaded", summary.Downloaded),
		zap.String("bytes", humanize.Bytes(uint64(summary.Bytes))),
		zap.Any("failures", summary.Counts),
		zap.Bool("interrupted", summary.Interrupted),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)),
	)
	return *summary, runErr
}

func (o *Orchestrator) runPages(ctx context.Context, logger *zap.Logger, summary *Summary) error {
	for page := 1; page <= o.opts.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			summary.Interrupted = true
			return err
		}

		logger.Info("Processing page.", zap.Int("page", page))
		entries, err := o.deps.Lister.Fetch(ctx, page)
		if err != nil {
			kind := Classify(err)
			if kind == UnexpectedPerSongError {
				kind = ListingFetchFailed
			}
			summary.record(Failure{Page: page, Kind: kind, Err: err.Error()})
			logger.Error("Skipping page.", zap.Int("page", page), zap.String("reason", string(kind)), zap.Error(err))
			continue
		}
		summary.Pages++
		logger.Info("Found songs.", zap.Int("page", page), zap.Int("count", len(entries)))

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				summary.Interrupted = true
				return err
			}
			if err := o.processSong(ctx, logger, page, entry, summary); err != nil {
				summary.Interrupted = true
				return err
			}
			// The pause follows every song, failed or not.
			if err := pause(ctx, o.opts.SongDelay); err != nil {
				summary.Interrupted = true
				return err
			}
		}
	}
	return nil
}

// processSong handles one entry. It only returns an error when ctx was
// canceled; every other failure is recorded and swallowed.
func (o *Orchestrator) processSong(ctx context.Context, logger *zap.Logger, page int, entry listing.SongEntry, summary *Summary) (cancelErr error) {
	title := download.SanitizeFilename(entry.Title)
	songLogger := logger.With(zap.Int("page", page), zap.String("title", title))
	summary.Attempted++

	fail := func(err error) error {
		if ctx.Err() != nil {
			songLogger.Warn("Run canceled during song.", zap.Error(err))
			return ctx.Err()
		}
		kind := Classify(err)
		summary.record(Failure{Page: page, Title: title, URL: entry.PageURL, Kind: kind, Err: err.Error()})
		songLogger.Error("Song skipped.", zap.String("reason", string(kind)), zap.Error(err))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			cancelErr = fail(fmt.Errorf("%w: panic: %v", ErrUnexpected, r))
		}
	}()

	songLogger.Info("Resolving download link.", zap.String("page_url", entry.PageURL))
	link, err := o.deps.Resolver.Resolve(ctx, entry.PageURL)
	if err == nil && link == "" {
		err = resolver.ErrNoValidLink
	}
	if err != nil {
		return fail(err)
	}

	dest := filepath.Join(o.opts.SaveDirectory, title+".mp3")
	written, err := o.deps.Downloader.Download(ctx, link, dest)
	if err != nil {
		return fail(err)
	}
	summary.Downloaded++
	summary.Bytes += written
	songLogger.Info("Downloaded.", zap.String("path", dest), zap.String("size", humanize.Bytes(uint64(written))))

	if o.deps.Probe != nil {
		if info, err := o.deps.Probe(dest); err != nil {
			songLogger.Warn("Downloaded file does not look like audio.", zap.String("path", dest), zap.Error(err))
		} else {
			songLogger.Debug("Audio file verified.", zap.String("type", string(info.FileType)), zap.String("tag_title", info.Title))
		}
	}

	if err := o.deps.Resolver.Dismiss(ctx); err != nil && !errors.Is(err, context.Canceled) {
		songLogger.Warn("Could not dismiss download modal.", zap.Error(err))
	}
	return nil
}

// pause blocks for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
