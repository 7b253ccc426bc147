// Package stats holds the lock-free counters shared across every peer
// session and the coordinator's progress reporting.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds atomic, relaxed-ordering counters for one download. All
// fields are safe for concurrent use without external locking.
type Stats struct {
	DownloadedBytes atomic.Uint64
	UploadedBytes   atomic.Uint64
	PiecesCompleted atomic.Uint64

	TotalPieces uint32
	StartedAt   time.Time
}

// New returns a Stats for a torrent with the given piece count, with
// StartedAt set to now.
func New(totalPieces uint32, now time.Time) *Stats {
	return &Stats{
		TotalPieces: totalPieces,
		StartedAt:   now,
	}
}

// AddDownloaded records n additional bytes received from peers.
func (s *Stats) AddDownloaded(n uint64) { s.DownloadedBytes.Add(n) }

// AddUploaded records n additional bytes sent to peers.
func (s *Stats) AddUploaded(n uint64) { s.UploadedBytes.Add(n) }

// IncPiecesCompleted records one more verified, written piece.
func (s *Stats) IncPiecesCompleted() { s.PiecesCompleted.Add(1) }

// ThroughputBytesPerSec returns downloaded_bytes/elapsed_seconds as of
// now. Elapsed intervals under 1ms report zero to avoid a
// division-by-zero blowup right after start.
func (s *Stats) ThroughputBytesPerSec(now time.Time) float64 {
	elapsed := now.Sub(s.StartedAt)
	if elapsed < time.Millisecond {
		return 0
	}
	return float64(s.DownloadedBytes.Load()) / elapsed.Seconds()
}

// Snapshot is a point-in-time copy of Stats suitable for logging or
// display.
type Snapshot struct {
	DownloadedBytes uint64
	UploadedBytes   uint64
	PiecesCompleted uint64
	TotalPieces     uint32
	ThroughputBps   float64
	Elapsed         time.Duration
}

// Snapshot takes a consistent-enough snapshot of s as of now.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		DownloadedBytes: s.DownloadedBytes.Load(),
		UploadedBytes:   s.UploadedBytes.Load(),
		PiecesCompleted: s.PiecesCompleted.Load(),
		TotalPieces:     s.TotalPieces,
		ThroughputBps:   s.ThroughputBytesPerSec(now),
		Elapsed:         now.Sub(s.StartedAt),
	}
}
