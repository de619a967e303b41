// File: internal/network/httpclient_test.go
package network

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/weektop-dl/internal/config"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return newScopedTestSession(t, config.CookieScopeAll)
}

func newScopedTestSession(t *testing.T, scope string) *Session {
	t.Helper()
	s, err := NewSession(config.NetworkConfig{
		Timeout:     5 * time.Second,
		UserAgent:   "test-agent/1.0",
		Headers:     map[string]string{"Accept-Language": "zh-CN"},
		CookieScope: scope,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSession_DefaultHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	s := newTestSession(t)
	req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := s.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "test-agent/1.0", got.Get("User-Agent"))
	assert.Equal(t, "zh-CN", got.Get("Accept-Language"))
	assert.Equal(t, browserAcceptEncoding, got.Get("Accept-Encoding"))
	assert.Equal(t, "test-agent/1.0", s.UserAgent())
}

func TestSession_SyncCookies(t *testing.T) {
	var gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("PHPSESSID"); err == nil {
			gotCookie = c.Value
		}
	}))
	defer server.Close()

	s := newScopedTestSession(t, config.CookieScopeDomain)
	base, err := url.Parse(server.URL)
	require.NoError(t, err)

	s.SyncCookies(base, []*http.Cookie{
		{Name: "PHPSESSID", Value: "abc123", Path: "/"},
		{Name: "elsewhere", Value: "x", Domain: ".example.org", Path: "/"},
	})
	require.Len(t, s.Cookies(base), 1)

	req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL+"/song/1", nil)
	require.NoError(t, err)
	resp, err := s.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "abc123", gotCookie)

	// A later sync replaces the stale value.
	s.SyncCookies(base, []*http.Cookie{{Name: "PHPSESSID", Value: "fresh", Path: "/"}})
	cookies := s.Cookies(base)
	require.Len(t, cookies, 1)
	assert.Equal(t, "fresh", cookies[0].Value)
}

func TestSession_CookieScope(t *testing.T) {
	site := &url.URL{Scheme: "https", Host: "www.gequbao.com", Path: "/music/1"}
	synced := []*http.Cookie{{Name: "PHPSESSID", Value: "abc123", Domain: "www.gequbao.com", Path: "/"}}
	media := []string{"https://cdn.gequbao.com/a.mp3", "https://m801.music.126.net/a.mp3"}

	t.Run("all", func(t *testing.T) {
		s := newScopedTestSession(t, config.CookieScopeAll)
		s.SyncCookies(site, synced)

		require.Len(t, s.Cookies(site), 1)
		for _, raw := range media {
			u, err := url.Parse(raw)
			require.NoError(t, err)
			cookies := s.Cookies(u)
			require.Len(t, cookies, 1, raw)
			assert.Equal(t, "PHPSESSID", cookies[0].Name)
			assert.Equal(t, "abc123", cookies[0].Value)
		}

		// A refreshed value replaces the old one everywhere.
		s.SyncCookies(site, []*http.Cookie{{Name: "PHPSESSID", Value: "fresh", Domain: "www.gequbao.com", Path: "/"}})
		u, _ := url.Parse(media[1])
		cookies := s.Cookies(u)
		require.Len(t, cookies, 1)
		assert.Equal(t, "fresh", cookies[0].Value)
		cookies = s.Cookies(site)
		require.Len(t, cookies, 1)
		assert.Equal(t, "fresh", cookies[0].Value)
	})

	t.Run("domain", func(t *testing.T) {
		s := newScopedTestSession(t, config.CookieScopeDomain)
		s.SyncCookies(site, synced)

		require.Len(t, s.Cookies(site), 1)
		for _, raw := range media {
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Empty(t, s.Cookies(u), raw)
		}
	})
}

func TestSession_CookiesReachOtherHosts(t *testing.T) {
	var gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("PHPSESSID"); err == nil {
			gotCookie = c.Value
		}
	}))
	defer server.Close()

	s := newTestSession(t)
	s.SyncCookies(&url.URL{Scheme: "https", Host: "www.gequbao.com", Path: "/"},
		[]*http.Cookie{{Name: "PHPSESSID", Value: "abc123", Domain: "www.gequbao.com", Path: "/"}})

	req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL+"/a.mp3", nil)
	require.NoError(t, err)
	resp, err := s.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "abc123", gotCookie)
}

func TestSession_RequestRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	s, err := NewSession(config.NetworkConfig{Timeout: 5 * time.Second, RequestsPerSecond: 20}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		resp, err := s.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	// The first request uses the burst; the next two wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := s.NewRequest(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = s.Do(req)
	require.Error(t, err)
}

func TestCompressionMiddleware(t *testing.T) {
	payload := []byte("<html><body>week top</body></html>")

	encoders := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			_, _ = zw.Write(b)
			_ = zw.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write(b)
			_ = bw.Close()
			return buf.Bytes()
		},
		"identity": func(b []byte) []byte { return b },
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if name != "identity" {
					w.Header().Set("Content-Encoding", name)
				}
				_, _ = w.Write(encode(payload))
			}))
			defer server.Close()

			s := newTestSession(t)
			req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL, nil)
			require.NoError(t, err)
			resp, err := s.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, body)
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}

	t.Run("unsupported encoding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write([]byte("???"))
		}))
		defer server.Close()

		s := newTestSession(t)
		req, err := s.NewRequest(context.Background(), http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		_, err = s.Do(req)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported Content-Encoding")
	})
}
