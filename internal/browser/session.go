// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/config"
)

const (
	// BlankURL is what a freshly opened tab reports before it navigates anywhere.
	BlankURL = "about:blank"

	closeTimeout       = 10 * time.Second
	newTabPollInterval = 100 * time.Millisecond
)

// OutcomeKind tells where a click sent the browser.
type OutcomeKind int

const (
	// SameTab means no tab was opened; URL is the clicked link's href.
	SameTab OutcomeKind = iota
	// NewTab means the click opened a tab; URL is that tab's location. The tab is already closed.
	NewTab
)

func (k OutcomeKind) String() string {
	if k == NewTab {
		return "new_tab"
	}
	return "same_tab"
}

// ClickOutcome is the result of ClickAndObserve.
type ClickOutcome struct {
	Kind OutcomeKind
	URL  string
}

// Session is the single browser window reused for every song of a run. It is
// not safe for concurrent use.
type Session struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

// NewSession launches the browser with the configured flags and user agent and
// opens the tab every later call drives.
func NewSession(parent context.Context, cfg config.BrowserConfig, userAgent string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, ExecAllocatorOptions(cfg, userAgent)...)
	ctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	// The first Run starts the browser process.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("Browser started.", zap.Bool("headless", cfg.Headless))
	return &Session{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}, nil
}

// ExecAllocatorOptions builds the Chrome flags for the session.
func ExecAllocatorOptions(cfg config.BrowserConfig, userAgent string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// run executes actions against the session tab, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url in the session tab and waits for the body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigation to '%s' failed: %w", url, err)
	}
	return nil
}

// Cookies returns the browser's cookies for the current page.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(c)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}
	return ConvertCookies(cookies), nil
}

// ConvertCookies maps CDP cookies onto net/http cookies.
func ConvertCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			hc.Expires = time.Unix(int64(sec), int64(frac*1e9))
		}
		out = append(out, hc)
	}
	return out
}

// WaitClickable blocks until sel is visible and enabled.
func (s *Session) WaitClickable(ctx context.Context, sel string) error {
	if err := s.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.WaitEnabled(sel, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("element '%s' never became clickable: %w", sel, err)
	}
	return nil
}

// WaitPresent blocks until sel is in the DOM.
func (s *Session) WaitPresent(ctx context.Context, sel string) error {
	if err := s.run(ctx, chromedp.WaitReady(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element '%s' never appeared: %w", sel, err)
	}
	return nil
}

// ScrollIntoView scrolls sel into the viewport.
func (s *Session) ScrollIntoView(ctx context.Context, sel string) error {
	if err := s.run(ctx, chromedp.ScrollIntoView(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("could not scroll to '%s': %w", sel, err)
	}
	return nil
}

// Click clicks the first visible node matching sel.
func (s *Session) Click(ctx context.Context, sel string) error {
	if err := s.run(ctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click on '%s' failed: %w", sel, err)
	}
	return nil
}

// Attribute reads attribute name of sel. ok is false when the attribute is absent.
func (s *Session) Attribute(ctx context.Context, sel, name string) (value string, ok bool, err error) {
	if err = s.run(ctx, chromedp.AttributeValue(sel, name, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", false, fmt.Errorf("could not read %s of '%s': %w", name, sel, err)
	}
	return value, ok, nil
}

// ClickAndObserve clicks sel and reports whether that opened a new tab. A new
// tab is given up to window to appear; its location is captured, the tab is
// closed and focus stays on the session tab. Otherwise the href sel had before
// the click is returned.
func (s *Session) ClickAndObserve(ctx context.Context, sel string, window time.Duration) (ClickOutcome, error) {
	watchCtx, stopWatching := CombineContext(s.ctx, ctx)
	defer stopWatching()
	opened := chromedp.WaitNewTarget(watchCtx, func(info *target.Info) bool {
		return info.Type == "page"
	})

	// A same-tab click may navigate away from the element, so the href is read first.
	href, _, err := s.Attribute(ctx, sel, "href")
	if err != nil {
		return ClickOutcome{}, err
	}

	if err := s.Click(ctx, sel); err != nil {
		return ClickOutcome{}, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case id, ok := <-opened:
		if ok && id != "" {
			url, err := s.captureAndClose(ctx, id, window)
			if err != nil {
				return ClickOutcome{}, err
			}
			return ClickOutcome{Kind: NewTab, URL: url}, nil
		}
	case <-timer.C:
	case <-ctx.Done():
		return ClickOutcome{}, ctx.Err()
	}

	return ClickOutcome{Kind: SameTab, URL: strings.TrimSpace(href)}, nil
}

// captureAndClose attaches to the tab id, waits up to settle for it to leave
// about:blank, reads its location and closes it.
func (s *Session) captureAndClose(ctx context.Context, id target.ID, settle time.Duration) (string, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.ctx, chromedp.WithTargetID(id))
	defer tabCancel()

	var location string
	deadline := time.Now().Add(settle)
	for {
		readCtx, cancel := CombineContext(tabCtx, ctx)
		err := chromedp.Run(readCtx, chromedp.Location(&location))
		cancel()
		if err != nil {
			s.closeTab(tabCtx, id)
			return "", fmt.Errorf("could not read new tab location: %w", err)
		}
		if location != BlankURL && location != "" || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			s.closeTab(tabCtx, id)
			return "", ctx.Err()
		case <-time.After(newTabPollInterval):
		}
	}

	s.closeTab(tabCtx, id)
	s.logger.Debug("Captured new tab location.", zap.String("target_id", string(id)), zap.String("url", location))
	return location, nil
}

func (s *Session) closeTab(tabCtx context.Context, id target.ID) {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	runCtx, runCancel := CombineContext(tabCtx, closeCtx)
	defer runCancel()
	if err := chromedp.Run(runCtx, page.Close()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Failed to close extra tab.", zap.String("target_id", string(id)), zap.Error(err))
	}
}

// CloseStrayTabs closes every page target other than the session tab, such as
// a tab a link opened after ClickAndObserve stopped watching. It returns the
// number of tabs closed.
func (s *Session) CloseStrayTabs(ctx context.Context) (int, error) {
	c := chromedp.FromContext(s.ctx)
	if c == nil || c.Target == nil {
		return 0, fmt.Errorf("browser session has no active tab")
	}
	own := c.Target.TargetID

	listCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(listCtx)
	if err != nil {
		return 0, fmt.Errorf("could not list browser tabs: %w", err)
	}

	closed := 0
	for _, info := range infos {
		if info.Type != "page" || info.TargetID == own {
			continue
		}
		tabCtx, tabCancel := chromedp.NewContext(s.ctx, chromedp.WithTargetID(info.TargetID))
		s.closeTab(tabCtx, info.TargetID)
		tabCancel()
		closed++
	}
	if closed > 0 {
		s.logger.Debug("Closed stray tabs.", zap.Int("count", closed))
	}
	return closed, nil
}

// Close quits the browser. It is safe to call more than once.
func (s *Session) Close() error {
	if s.cancel == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(closeTimeout):
		err = fmt.Errorf("timed out waiting for browser to exit")
	}
	s.cancel()
	s.allocCancel()
	s.cancel = nil
	s.logger.Info("Browser closed.")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
