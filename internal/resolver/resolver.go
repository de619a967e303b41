// File: internal/resolver/resolver.go
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/browser"
	"github.com/xkilldash9x/weektop-dl/internal/config"
)

// ErrNoValidLink is returned when the flow completes but yields an empty or blank URL.
var ErrNoValidLink = errors.New("no valid download link")

// Stage names a state of the resolution flow.
type Stage string

const (
	StagePageLoaded    Stage = "page_loaded"
	StageAdGatePassed  Stage = "ad_gate_passed"
	StageModalOpening  Stage = "modal_opening"
	StageModalReady    Stage = "modal_ready"
	StageLinkTriggered Stage = "link_triggered"
	StageResolved      Stage = "resolved"
)

// StageError records the state that could not be reached.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("link resolution failed reaching %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Page is the slice of the browser session the resolver drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	WaitClickable(ctx context.Context, sel string) error
	WaitPresent(ctx context.Context, sel string) error
	ScrollIntoView(ctx context.Context, sel string) error
	Click(ctx context.Context, sel string) error
	ClickAndObserve(ctx context.Context, sel string, window time.Duration) (browser.ClickOutcome, error)
	CloseStrayTabs(ctx context.Context) (int, error)
}

// Gate performs the ad-handle call for a song page.
type Gate interface {
	Pass(ctx context.Context, songURL string) error
}

// CookieSink receives the browser's cookies so plain HTTP calls share its session.
type CookieSink interface {
	SyncCookies(base *url.URL, cookies []*http.Cookie)
}

// Resolver turns a song page URL into a direct MP3 URL.
type Resolver struct {
	page      Page
	gate      Gate
	cookies   CookieSink
	selectors config.SelectorConfig
	timing    config.BrowserConfig
	logger    *zap.Logger
}

// New wires a Resolver. timing supplies the wait bound and the grace delays.
func New(page Page, gate Gate, cookies CookieSink, selectors config.SelectorConfig, timing config.BrowserConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		page:      page,
		gate:      gate,
		cookies:   cookies,
		selectors: selectors,
		timing:    timing,
		logger:    logger.Named("resolver"),
	}
}

// Resolve drives the song page until a download URL is exposed. The modal is
// left open; call Dismiss once the file has been fetched.
func (r *Resolver) Resolve(ctx context.Context, songURL string) (string, error) {
	base, err := url.Parse(songURL)
	if err != nil {
		return "", &StageError{Stage: StagePageLoaded, Err: err}
	}
	logger := r.logger.With(zap.String("song_url", songURL))

	// A tab the previous song opened too late to be observed.
	if closed, err := r.page.CloseStrayTabs(ctx); err != nil {
		if ctx.Err() != nil {
			return "", &StageError{Stage: StagePageLoaded, Err: ctx.Err()}
		}
		logger.Warn("Could not close stray tabs.", zap.Error(err))
	} else if closed > 0 {
		logger.Debug("Closed stray tabs left by the previous song.", zap.Int("count", closed))
	}

	// PageLoaded
	if err := r.bounded(ctx, func(c context.Context) error { return r.page.Navigate(c, songURL) }); err != nil {
		return "", &StageError{Stage: StagePageLoaded, Err: err}
	}
	cookies, err := r.page.Cookies(ctx)
	if err != nil {
		return "", &StageError{Stage: StagePageLoaded, Err: err}
	}
	r.cookies.SyncCookies(base, cookies)
	logger.Debug("Song page loaded.", zap.Int("cookies", len(cookies)))

	// AdGatePassed
	if err := r.gate.Pass(ctx, songURL); err != nil {
		return "", &StageError{Stage: StageAdGatePassed, Err: err}
	}

	// ModalOpening
	sel := r.selectors
	err = r.bounded(ctx, func(c context.Context) error {
		if err := r.page.WaitClickable(c, sel.DownloadButton); err != nil {
			return err
		}
		if err := r.page.ScrollIntoView(c, sel.DownloadButton); err != nil {
			return err
		}
		return r.page.Click(c, sel.DownloadButton)
	})
	if err != nil {
		return "", &StageError{Stage: StageModalOpening, Err: err}
	}

	// ModalReady
	if err := r.bounded(ctx, func(c context.Context) error { return r.page.WaitPresent(c, sel.Modal) }); err != nil {
		return "", &StageError{Stage: StageModalReady, Err: err}
	}
	if err := r.bounded(ctx, func(c context.Context) error { return r.page.WaitPresent(c, sel.LowQualityLink) }); err != nil {
		if ctx.Err() != nil {
			return "", &StageError{Stage: StageModalReady, Err: ctx.Err()}
		}
		logger.Warn("Modal content not observed, waiting a fixed grace period.", zap.Duration("settle", r.timing.SettleDelay), zap.Error(err))
		if err := sleep(ctx, r.timing.SettleDelay); err != nil {
			return "", &StageError{Stage: StageModalReady, Err: err}
		}
	}

	// LinkTriggered
	var outcome browser.ClickOutcome
	err = r.bounded(ctx, func(c context.Context) error {
		if err := r.page.WaitClickable(c, sel.LowQualityLink); err != nil {
			return err
		}
		var err error
		outcome, err = r.page.ClickAndObserve(c, sel.LowQualityLink, r.timing.PostClickDelay)
		return err
	})
	if err != nil {
		return "", &StageError{Stage: StageLinkTriggered, Err: err}
	}

	// Resolved
	link, err := validLink(base, outcome.URL)
	if err != nil {
		return "", &StageError{Stage: StageResolved, Err: err}
	}
	logger.Info("Download link resolved.", zap.Stringer("via", outcome.Kind), zap.String("link", link))
	return link, nil
}

// Dismiss closes the download modal and gives the page a moment to settle.
func (r *Resolver) Dismiss(ctx context.Context) error {
	if err := r.bounded(ctx, func(c context.Context) error { return r.page.Click(c, r.selectors.ModalClose) }); err != nil {
		return fmt.Errorf("could not close download modal: %w", err)
	}
	return sleep(ctx, r.timing.DismissDelay)
}

// bounded runs fn under the configured wait timeout.
func (r *Resolver) bounded(ctx context.Context, fn func(context.Context) error) error {
	if r.timing.WaitTimeout <= 0 {
		return fn(ctx)
	}
	c, cancel := context.WithTimeout(ctx, r.timing.WaitTimeout)
	defer cancel()
	return fn(c)
}

// validLink rejects empty and about:blank results and makes relative hrefs absolute.
func validLink(base *url.URL, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == browser.BlankURL {
		return "", fmt.Errorf("%w: got %q", ErrNoValidLink, raw)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoValidLink, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
