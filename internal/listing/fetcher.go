// File: internal/listing/fetcher.go
package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/network"
)

// ErrListingStructureChanged is returned when the song table container is
// missing from a listing page. The page is skipped, the run continues.
var ErrListingStructureChanged = errors.New("listing structure changed: song container not found")

// SongEntry is one song as it appears on the listing page.
type SongEntry struct {
	PageURL string
	Title   string
}

// Fetcher reads pages of the weekly top listing over plain HTTP.
type Fetcher struct {
	session   *network.Session
	template  string
	container string
	origin    *url.URL
	logger    *zap.Logger
}

// NewFetcher creates a Fetcher bound to the shared HTTP session.
func NewFetcher(site config.SiteConfig, session *network.Session, logger *zap.Logger) (*Fetcher, error) {
	origin, err := url.Parse(site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid site origin '%s': %w", site.Origin, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		session:   session,
		template:  site.ListingURLTemplate,
		container: site.ListingContainer,
		origin:    origin,
		logger:    logger.Named("listing"),
	}, nil
}

// Fetch downloads listing page (1-based) and returns its songs in page order.
// When the container is missing it returns an empty slice and ErrListingStructureChanged.
func (f *Fetcher) Fetch(ctx context.Context, page int) ([]SongEntry, error) {
	pageURL := config.PageURL(f.template, page)
	f.logger.Debug("Fetching listing page.", zap.Int("page", page), zap.String("url", pageURL))

	req, err := f.session.NewRequest(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.session.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("listing page %d returned status %d", page, resp.StatusCode)
	}

	// goquery decodes the body as UTF-8, which is what the site serves.
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing page %d: %w", page, err)
	}
	return f.Extract(doc)
}

// Extract pulls the song anchors out of an already parsed listing document.
func (f *Fetcher) Extract(doc *goquery.Document) ([]SongEntry, error) {
	container := doc.Find(f.container).First()
	if container.Length() == 0 {
		return []SongEntry{}, ErrListingStructureChanged
	}

	entries := []SongEntry{}
	container.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		entries = append(entries, SongEntry{
			PageURL: f.absolute(href),
			Title:   strings.TrimSpace(a.Text()),
		})
	})
	return entries, nil
}

// absolute prefixes relative hrefs with the site origin.
func (f *Fetcher) absolute(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return strings.TrimRight(f.origin.String(), "/") + "/" + strings.TrimLeft(href, "/")
	}
	return f.origin.ResolveReference(ref).String()
}
