// File: internal/download/downloader_test.go
package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/network"
)

func newTestDownloader(t *testing.T, chunk int) *Downloader {
	t.Helper()
	session, err := network.NewSession(config.NetworkConfig{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewDownloader(config.DownloadConfig{ChunkSize: chunk}, session, zaptest.NewLogger(t))
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 31)
	}
	return b
}

func TestDownload_WritesBody(t *testing.T) {
	for _, size := range []int{0, 1, DefaultChunkSize, 3*DefaultChunkSize + 17} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			body := payload(size)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "audio/mpeg")
				_, _ = w.Write(body)
			}))
			defer server.Close()

			dest := filepath.Join(t.TempDir(), "songs", "week-top", "Song A.mp3")
			n, err := newTestDownloader(t, 0).Download(context.Background(), server.URL+"/a.mp3", dest)
			require.NoError(t, err)
			assert.Equal(t, int64(size), n)

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(body, got))
			assert.NoFileExists(t, dest+partSuffix)
		})
	}
}

func TestDownload_OddChunkSize(t *testing.T) {
	body := payload(1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "odd.mp3")
	n, err := newTestDownloader(t, 7).Download(context.Background(), server.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownload_OverwritesExisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("new"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(dest, []byte("old content that is longer"), 0o644))

	_, err := newTestDownloader(t, 0).Download(context.Background(), server.URL, dest)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDownload_NonSuccessStatus(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", status)
			}))
			defer server.Close()

			dir := filepath.Join(t.TempDir(), "never-created")
			dest := filepath.Join(dir, "song.mp3")
			n, err := newTestDownloader(t, 0).Download(context.Background(), server.URL, dest)
			assert.Zero(t, n)

			var transportErr *TransportError
			require.True(t, errors.As(err, &transportErr))
			assert.Equal(t, status, transportErr.StatusCode)
			assert.NoFileExists(t, dest)
			assert.NoDirExists(t, dir)
		})
	}
}

func TestDownload_TruncatedBodyRemovesPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(10))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "broken.mp3")
	_, err := newTestDownloader(t, 0).Download(context.Background(), server.URL, dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+partSuffix)
}

func TestDownload_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload(10))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dest := filepath.Join(t.TempDir(), "canceled.mp3")
	_, err := newTestDownloader(t, 0).Download(ctx, server.URL, dest)
	require.Error(t, err)
	assert.NoFileExists(t, dest)
}

func TestDownload_SendsBrowserCookiesToMediaHost(t *testing.T) {
	site := &url.URL{Scheme: "https", Host: "www.gequbao.com", Path: "/music/1"}
	synced := []*http.Cookie{{Name: "PHPSESSID", Value: "abc123", Domain: "www.gequbao.com", Path: "/"}}

	tests := []struct {
		scope      string
		wantCookie string
	}{
		{config.CookieScopeAll, "abc123"},
		{config.CookieScopeDomain, ""},
	}
	for _, tc := range tests {
		t.Run(tc.scope, func(t *testing.T) {
			var gotCookie string
			media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if c, err := r.Cookie("PHPSESSID"); err == nil {
					gotCookie = c.Value
				}
				_, _ = w.Write([]byte("mp3"))
			}))
			defer media.Close()

			session, err := network.NewSession(config.NetworkConfig{Timeout: 5 * time.Second, CookieScope: tc.scope}, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer session.Close()
			session.SyncCookies(site, synced)

			d := NewDownloader(config.DownloadConfig{}, session, zaptest.NewLogger(t))
			_, err = d.Download(context.Background(), media.URL+"/a.mp3", filepath.Join(t.TempDir(), "a.mp3"))
			require.NoError(t, err)
			assert.Equal(t, tc.wantCookie, gotCookie)
		})
	}
}
