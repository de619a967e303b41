// File: internal/download/downloader.go
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/weektop-dl/internal/config"
	"github.com/xkilldash9x/weektop-dl/internal/network"
)

const (
	// DefaultChunkSize is the read size used while streaming a body to disk.
	DefaultChunkSize = 8192
	partSuffix       = ".part"
)

// TransportError is returned when the file server answers with a non-2xx status.
type TransportError struct {
	URL        string
	StatusCode int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("download of %s failed with status %d", e.URL, e.StatusCode)
}

// Downloader streams remote files to disk through the shared HTTP session.
type Downloader struct {
	session   *network.Session
	chunkSize int
	progress  bool
	logger    *zap.Logger
}

// NewDownloader creates a Downloader from the download configuration.
func NewDownloader(cfg config.DownloadConfig, session *network.Session, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Downloader{
		session:   session,
		chunkSize: chunk,
		progress:  cfg.Progress,
		logger:    logger.Named("downloader"),
	}
}

// Download fetches url and writes the body to dest, creating parent directories
// and overwriting any existing file. Nothing is written when the server answers
// with a non-2xx status. It returns the number of bytes written.
func (d *Downloader) Download(ctx context.Context, url, dest string) (int64, error) {
	req, err := d.session.NewRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.session.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("could not create directory for %s: %w", dest, err)
	}

	part := dest + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("could not create %s: %w", part, err)
	}

	var w io.Writer = f
	if d.progress {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(filepath.Base(dest)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetWriter(os.Stderr),
		)
		defer bar.Finish()
		w = io.MultiWriter(f, bar)
	}

	written, copyErr := d.copyChunks(ctx, w, resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(part)
		return written, fmt.Errorf("failed writing %s: %w", dest, err)
	}

	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return written, fmt.Errorf("could not move download into place: %w", err)
	}

	d.logger.Debug("File written.",
		zap.String("path", dest),
		zap.String("size", humanize.Bytes(uint64(written))),
	)
	return written, nil
}

// copyChunks streams src into dst one chunk at a time, stopping when ctx is done.
func (d *Downloader) copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			m, err := dst.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if m != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
