// File: internal/orchestrator/summary.go
package orchestrator

import (
	"errors"
	"time"

	"github.com/xkilldash9x/weektop-dl/internal/adgate"
	"github.com/xkilldash9x/weektop-dl/internal/download"
	"github.com/xkilldash9x/weektop-dl/internal/listing"
	"github.com/xkilldash9x/weektop-dl/internal/resolver"
)

// ErrUnexpected wraps failures that fit no other category, panics included.
var ErrUnexpected = errors.New("unexpected error")

// FailureKind categorizes why a page or song was skipped.
type FailureKind string

const (
	ListingStructureChanged FailureKind = "listing_structure_changed"
	ListingFetchFailed      FailureKind = "listing_fetch_failed"
	AdGateRejected          FailureKind = "ad_gate_rejected"
	LinkResolutionFailed    FailureKind = "link_resolution_failed"
	DownloadTransportError  FailureKind = "download_transport_error"
	UnexpectedPerSongError  FailureKind = "unexpected_per_song_error"
)

// FailureKinds lists every FailureKind in reporting order.
func FailureKinds() []FailureKind {
	return []FailureKind{
		ListingStructureChanged,
		ListingFetchFailed,
		AdGateRejected,
		LinkResolutionFailed,
		DownloadTransportError,
		UnexpectedPerSongError,
	}
}

// Classify maps an error onto its FailureKind.
func Classify(err error) FailureKind {
	var (
		stageErr     *resolver.StageError
		transportErr *download.TransportError
	)
	switch {
	case errors.Is(err, listing.ErrListingStructureChanged):
		return ListingStructureChanged
	case errors.Is(err, adgate.ErrAdGateRejected):
		return AdGateRejected
	case errors.Is(err, resolver.ErrNoValidLink), errors.As(err, &stageErr):
		return LinkResolutionFailed
	case errors.As(err, &transportErr):
		return DownloadTransportError
	default:
		return UnexpectedPerSongError
	}
}

// Failure is one skipped page or song. Title is empty for page failures.
type Failure struct {
	Page  int
	Title string
	URL   string
	Kind  FailureKind
	Err   string
}

// Summary reports what a run did.
type Summary struct {
	RunID       string
	Started     time.Time
	Finished    time.Time
	Pages       int
	Attempted   int
	Downloaded  int
	Bytes       int64
	Interrupted bool
	Failures    []Failure
	Counts      map[FailureKind]int
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID:   runID,
		Started: time.Now(),
		Counts:  make(map[FailureKind]int),
	}
}

func (s *Summary) record(f Failure) {
	s.Failures = append(s.Failures, f)
	s.Counts[f.Kind]++
}

// Skipped is the number of songs that were attempted but not downloaded.
func (s Summary) Skipped() int {
	return s.Attempted - s.Downloaded
}
