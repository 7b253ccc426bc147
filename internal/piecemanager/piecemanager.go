// Package piecemanager implements rarest-first piece selection:
// tracking how many connected peers have each piece, handing out the
// globally rarest incomplete piece on request, and recording
// completion.
package piecemanager

import (
	"sync"

	"github.com/relaydev/leecher/internal/bitfield"
)

// Manager tracks per-piece peer availability and completion state for
// one torrent. It is safe for concurrent use: every peer session calls
// AddPeer/RemovePeer/NextPiece/MarkCompleted/MarkFailed concurrently.
type Manager struct {
	mu sync.RWMutex

	pieceCounts map[uint32]uint32
	queue       *availabilityQueue
	completed   map[uint32]struct{}
	pending     map[uint32]struct{}

	totalPieces uint32
	pieceSize   int64
}

// New returns a Manager for a torrent with the given piece count and
// standard piece size (the last piece may be shorter; callers compute
// its actual length themselves).
func New(totalPieces uint32, pieceSize int64) *Manager {
	return &Manager{
		pieceCounts: make(map[uint32]uint32),
		queue:       newAvailabilityQueue(),
		completed:   make(map[uint32]struct{}),
		pending:     make(map[uint32]struct{}),
		totalPieces: totalPieces,
		pieceSize:   pieceSize,
	}
}

// AddPeer increments the availability count of every piece set in bf,
// skipping pieces already completed.
func (m *Manager) AddPeer(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf.Each(func(i int) {
		idx := uint32(i)
		if _, done := m.completed[idx]; done {
			return
		}

		m.pieceCounts[idx]++
		m.queue.set(idx, m.pieceCounts[idx])
	})
}

// RemovePeer decrements the availability count of every piece set in bf,
// for use when a peer session terminates. Counts never go below zero.
func (m *Manager) RemovePeer(bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf.Each(func(i int) {
		idx := uint32(i)

		count, tracked := m.pieceCounts[idx]
		if !tracked {
			return
		}
		if count > 0 {
			count--
		}
		m.pieceCounts[idx] = count

		if count == 0 {
			m.queue.remove(idx)
		} else {
			m.queue.set(idx, count)
		}
	})
}

// NextPiece selects the globally rarest piece that is available
// (count > 0), not yet completed, and not already assigned to another
// session, and marks it pending. It returns ok=false when no such piece
// exists right now.
func (m *Manager) NextPiece() (index uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, found := m.queue.peekRarestAvailable(func(i uint32) bool {
		_, isPending := m.pending[i]
		_, isDone := m.completed[i]
		return isPending || isDone
	})
	if !found {
		return 0, false
	}

	m.pending[entry.index] = struct{}{}
	return entry.index, true
}

// MarkCompleted records index as verified and written, removing it from
// pending and from future availability consideration.
func (m *Manager) MarkCompleted(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, index)
	m.completed[index] = struct{}{}
	delete(m.pieceCounts, index)
	m.queue.remove(index)
}

// MarkFailed releases index from pending (e.g. after hash verification
// failure or the owning peer session dying) so another session's
// NextPiece call can pick it up again.
func (m *Manager) MarkFailed(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, index)
}

// IsComplete reports whether every piece has been completed.
func (m *Manager) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint32(len(m.completed)) == m.totalPieces
}

// Progress returns the number of completed pieces and the total.
func (m *Manager) Progress() (completed int, total uint32) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.completed), m.totalPieces
}

// PieceSize returns the standard (non-final) piece size.
func (m *Manager) PieceSize() int64 { return m.pieceSize }

// TotalPieces returns the total piece count.
func (m *Manager) TotalPieces() uint32 { return m.totalPieces }
