// File: internal/network/httpclient.go
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/weektop-dl/internal/config"
)

const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
)

// Session is the run-wide HTTP session: one cookie jar, one set of default
// headers, one connection pool. It mirrors the browser's identity so plain
// requests are treated as coming from the same client.
type Session struct {
	client  *http.Client
	jar     *browserCookieJar
	limiter *rate.Limiter
	headers http.Header
	logger  *zap.Logger
}

// browserCookieJar is a domain-scoped jar that can additionally hand the last
// synced browser cookies to every host, the way a plain name=value cookie map
// would be sent.
type browserCookieJar struct {
	http.CookieJar

	everywhere bool
	mu         sync.RWMutex
	shared     []*http.Cookie
}

func (j *browserCookieJar) remember(cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c == nil || c.MaxAge < 0 {
			continue
		}
		kept := &http.Cookie{Name: c.Name, Value: c.Value}
		replaced := false
		for i, old := range j.shared {
			if old.Name == c.Name {
				j.shared[i] = kept
				replaced = true
				break
			}
		}
		if !replaced {
			j.shared = append(j.shared, kept)
		}
	}
}

// Cookies returns the scoped cookies for u, followed by any synced browser
// cookie whose name the scoped set does not already carry.
func (j *browserCookieJar) Cookies(u *url.URL) []*http.Cookie {
	cookies := j.CookieJar.Cookies(u)
	if !j.everywhere || (u.Scheme != "http" && u.Scheme != "https") {
		return cookies
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.shared) == 0 {
		return cookies
	}
	seen := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		seen[c.Name] = true
	}
	for _, c := range j.shared {
		if !seen[c.Name] {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return cookies
}

// NewSession builds the HTTP session from the network configuration.
func NewSession(cfg config.NetworkConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	scoped, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	jar := &browserCookieJar{
		CookieJar:  scoped,
		everywhere: cfg.CookieScope != config.CookieScopeDomain,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	headers := make(http.Header)
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	headers.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	return &Session{
		client: &http.Client{
			Transport: NewCompressionMiddleware(newTransport(cfg, logger)),
			Timeout:   cfg.Timeout,
			Jar:       jar,
		},
		jar:     jar,
		limiter: limiter,
		headers: headers,
		logger:  logger,
	}, nil
}

func newTransport(cfg config.NetworkConfig, logger *zap.Logger) *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAliveInterval}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.IgnoreTLSErrors},
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport
}

// NewRequest creates a request carrying the session's default headers.
func (s *Session) NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request for '%s': %w", method, rawURL, err)
	}
	for k, vv := range s.headers {
		req.Header[k] = append([]string(nil), vv...)
	}
	return req, nil
}

// Do sends req through the session's client, so cookies from the jar are
// attached. It waits for the request rate limit when one is configured.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("request to '%s' not sent: %w", req.URL.Redacted(), err)
		}
	}
	return s.client.Do(req)
}

// UserAgent returns the User-Agent sent on every request.
func (s *Session) UserAgent() string {
	return s.headers.Get("User-Agent")
}

// SyncCookies copies cookies into the jar. Cookies carrying a Domain are scoped
// to that domain; the rest are scoped to base. With the "all" cookie scope the
// names and values are also sent to every other host, media servers included.
func (s *Session) SyncCookies(base *url.URL, cookies []*http.Cookie) {
	s.jar.remember(cookies)
	for _, c := range cookies {
		if c == nil {
			continue
		}
		target := base
		if c.Domain != "" {
			target = &url.URL{Scheme: base.Scheme, Host: strings.TrimPrefix(c.Domain, "."), Path: "/"}
		}
		s.jar.SetCookies(target, []*http.Cookie{c})
	}
	s.logger.Debug("Synced browser cookies.", zap.Int("count", len(cookies)), zap.String("base", base.Host))
}

// Cookies returns the cookies the session would send to u.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// Close releases idle connections.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}
