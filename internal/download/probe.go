// File: internal/download/probe.go
package download

import (
	"errors"
	"io"
	"os"

	"github.com/dhowden/tag"
)

// ErrNotAudio means the file did not look like an audio file.
var ErrNotAudio = errors.New("file is not a recognised audio file")

// AudioInfo describes a downloaded file.
type AudioInfo struct {
	Format   tag.Format
	FileType tag.FileType
	Title    string
	Artist   string
}

// Probe sniffs path for an audio container and reads title and artist tags
// when they exist. A bare MPEG stream without tags is reported as MP3.
func Probe(path string) (AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, err
	}
	defer f.Close()

	format, fileType, err := tag.Identify(f)
	if err != nil || fileType == "" {
		if isMPEGFrame(f) {
			return AudioInfo{FileType: tag.MP3}, nil
		}
		return AudioInfo{}, ErrNotAudio
	}
	info := AudioInfo{Format: format, FileType: fileType}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return info, err
	}
	if meta, err := tag.ReadFrom(f); err == nil {
		info.Title = meta.Title()
		info.Artist = meta.Artist()
	}
	return info, nil
}

// isMPEGFrame reports whether the file starts with an MPEG audio frame sync.
func isMPEGFrame(r io.ReadSeeker) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return false
	}
	return head[0] == 0xFF && head[1]&0xE0 == 0xE0
}
