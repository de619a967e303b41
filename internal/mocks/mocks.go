// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/weektop-dl/internal/browser"
	"github.com/xkilldash9x/weektop-dl/internal/listing"
)

// -- Browser Page Mock --

// MockPage mocks resolver.Page.
type MockPage struct {
	mock.Mock
}

func (m *MockPage) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockPage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	args := m.Called(ctx)
	var cookies []*http.Cookie
	if c := args.Get(0); c != nil {
		cookies = c.([]*http.Cookie)
	}
	return cookies, args.Error(1)
}

func (m *MockPage) WaitClickable(ctx context.Context, sel string) error {
	args := m.Called(ctx, sel)
	return args.Error(0)
}

func (m *MockPage) WaitPresent(ctx context.Context, sel string) error {
	args := m.Called(ctx, sel)
	return args.Error(0)
}

func (m *MockPage) ScrollIntoView(ctx context.Context, sel string) error {
	args := m.Called(ctx, sel)
	return args.Error(0)
}

func (m *MockPage) Click(ctx context.Context, sel string) error {
	args := m.Called(ctx, sel)
	return args.Error(0)
}

func (m *MockPage) CloseStrayTabs(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockPage) ClickAndObserve(ctx context.Context, sel string, window time.Duration) (browser.ClickOutcome, error) {
	args := m.Called(ctx, sel, window)
	return args.Get(0).(browser.ClickOutcome), args.Error(1)
}

// -- Ad Gate Mock --

type MockGate struct {
	mock.Mock
}

func (m *MockGate) Pass(ctx context.Context, songURL string) error {
	args := m.Called(ctx, songURL)
	return args.Error(0)
}

// -- Cookie Sink Mock --

// MockCookieSink records synced cookies instead of using mock expectations.
type MockCookieSink struct {
	mu      sync.Mutex
	Bases   []*url.URL
	Cookies [][]*http.Cookie
}

func (m *MockCookieSink) SyncCookies(base *url.URL, cookies []*http.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bases = append(m.Bases, base)
	m.Cookies = append(m.Cookies, cookies)
}

// Calls returns how many times SyncCookies ran.
func (m *MockCookieSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Bases)
}

// -- Orchestrator Dependency Mocks --

type MockLister struct {
	mock.Mock
}

func (m *MockLister) Fetch(ctx context.Context, page int) ([]listing.SongEntry, error) {
	args := m.Called(ctx, page)
	var entries []listing.SongEntry
	if e := args.Get(0); e != nil {
		entries = e.([]listing.SongEntry)
	}
	return entries, args.Error(1)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, songURL string) (string, error) {
	args := m.Called(ctx, songURL)
	return args.String(0), args.Error(1)
}

func (m *MockResolver) Dismiss(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockDownloader struct {
	mock.Mock
}

func (m *MockDownloader) Download(ctx context.Context, url, dest string) (int64, error) {
	args := m.Called(ctx, url, dest)
	return args.Get(0).(int64), args.Error(1)
}

type MockCloser struct {
	mock.Mock
}

func (m *MockCloser) Close() error {
	args := m.Called()
	return args.Error(0)
}
