// File: internal/adgate/adgate.go
package adgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/network"
)

// ErrAdGateRejected marks a failed ad-handle call. The song must be skipped.
var ErrAdGateRejected = errors.New("ad gate rejected")

// maxBodySnippet bounds how much of a rejected response ends up in logs.
const maxBodySnippet = 256

// RejectedError carries the details of a rejected ad-handle call.
type RejectedError struct {
	StatusCode int
	Code       int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ad gate rejected: status=%d code=%d body=%q", e.StatusCode, e.Code, e.Body)
}

// Is lets errors.Is(err, ErrAdGateRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrAdGateRejected
}

type adHandleResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Gate performs the ad-handle call the site requires before a download link is valid.
type Gate struct {
	session  *network.Session
	endpoint string
	origin   string
	body     string
	logger   *zap.Logger
}

// New creates a Gate for the configured site.
func New(site config.SiteConfig, session *network.Session, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		session:  session,
		endpoint: site.AdHandleURL,
		origin:   strings.TrimRight(site.Origin, "/"),
		body:     site.AdHandleBody,
		logger:   logger.Named("adgate"),
	}
}

// Pass issues the ad-handle POST as an XHR from songURL. The session's cookies
// must already reflect the browser's. It returns nil only for HTTP 200 with code 1.
func (g *Gate) Pass(ctx context.Context, songURL string) error {
	req, err := g.session.NewRequest(ctx, http.MethodPost, g.endpoint, strings.NewReader(g.body))
	if err != nil {
		return err
	}
	req.Header.Set("Origin", g.origin)
	req.Header.Set("Referer", songURL)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := g.session.Do(req)
	if err != nil {
		return fmt.Errorf("ad-handle request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read ad-handle response: %w", err)
	}

	rejected := &RejectedError{StatusCode: resp.StatusCode, Body: snippet(raw)}
	if resp.StatusCode != http.StatusOK {
		g.logger.Warn("Ad-handle call failed.", zap.Int("status", resp.StatusCode), zap.String("body", rejected.Body))
		return rejected
	}

	var payload adHandleResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.logger.Warn("Ad-handle response is not JSON.", zap.String("body", rejected.Body))
		return fmt.Errorf("%w: %v", rejected, err)
	}
	if payload.Code != 1 {
		rejected.Code = payload.Code
		g.logger.Warn("Ad-handle call failed.", zap.Int("code", payload.Code), zap.String("msg", payload.Msg))
		return rejected
	}

	g.logger.Debug("Ad-handle call succeeded.", zap.String("referer", songURL))
	return nil
}

func snippet(raw []byte) string {
	if len(raw) > maxBodySnippet {
		return string(raw[:maxBodySnippet]) + "..."
	}
	return string(raw)
}
