package storage

import (
	"context"
	"crypto/sha1"
	"log/slog"

	"github.com/relaydev/leecher/internal/piecemanager"
	"github.com/relaydev/leecher/internal/stats"
)

// QueueCapacity is the bounded capacity of the completed-piece queue
// (spec.md §4.6): a full queue stalls peer sessions, pacing download to
// disk speed.
const QueueCapacity = 100

// Verifier is the single consumer task that SHA-1-verifies each
// completed piece, writes it to disk, and updates the piece manager and
// stats accordingly.
type Verifier struct {
	writer *Writer
	pieces *piecemanager.Manager
	stats  *stats.Stats
	hashes [][sha1.Size]byte
	queue  chan CompletedPiece
	log    *slog.Logger
}

// NewVerifier returns a Verifier reading from a queue of QueueCapacity
// entries, and the send side of that queue, which the coordinator
// distributes to peer sessions.
func NewVerifier(writer *Writer, pieces *piecemanager.Manager, st *stats.Stats, hashes [][sha1.Size]byte, log *slog.Logger) (*Verifier, chan<- CompletedPiece) {
	v := &Verifier{
		writer: writer,
		pieces: pieces,
		stats:  st,
		hashes: hashes,
		queue:  make(chan CompletedPiece, QueueCapacity),
		log:    log.With("component", "verifier"),
	}
	return v, v.queue
}

// Run consumes completed pieces until the queue is closed (every
// producing peer session has exited) or ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case cp, ok := <-v.queue:
			if !ok {
				return nil
			}
			v.handle(cp)
		}
	}
}

func (v *Verifier) handle(cp CompletedPiece) {
	if int(cp.Index) >= len(v.hashes) {
		v.log.Error("piece index out of range, dropping", "index", cp.Index)
		return
	}

	got := sha1.Sum(cp.Data)
	if got != v.hashes[cp.Index] {
		v.log.Warn("piece failed integrity check, requeueing", "index", cp.Index)
		v.pieces.MarkFailed(cp.Index)
		return
	}

	if err := v.writer.WritePiece(cp.Index, cp.Data); err != nil {
		v.log.Error("piece write failed, requeueing", "index", cp.Index, "error", err)
		v.pieces.MarkFailed(cp.Index)
		return
	}

	v.pieces.MarkCompleted(cp.Index)
	v.stats.IncPiecesCompleted()

	done, total := v.pieces.Progress()
	v.log.Info("piece complete", "index", cp.Index, "progress", done, "total", total)
}
