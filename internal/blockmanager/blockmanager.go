// Package blockmanager tracks the 16KiB blocks that make up each piece
// currently being downloaded: which blocks are present, which are in
// flight, and when a piece is ready to be assembled and verified.
package blockmanager

import (
	"time"
)

// BlockSize is the fixed block length used for all piece requests
// except the final block of a piece, which may be shorter.
const BlockSize = 16 * 1024

// BlockInfo identifies a single block within a piece. It doubles as the
// request identifier and the equality key for pending-request tracking.
type BlockInfo struct {
	PieceIndex uint32
	Offset     uint32
	Length     uint32
}

type pieceBlocks struct {
	slots [][]byte // nil slot = not yet stored
}

// Manager tracks in-progress pieces' block state. It is not safe for
// concurrent use; callers serialize access with a mutex of their own
// (peer sessions share one through peer.Deps.BlockMu).
type Manager struct {
	pieces  map[uint32]*pieceBlocks
	pending map[BlockInfo]time.Time
}

// New returns an empty block manager.
func New() *Manager {
	return &Manager{
		pieces:  make(map[uint32]*pieceBlocks),
		pending: make(map[BlockInfo]time.Time),
	}
}

// numBlocks returns ceil(size/BlockSize).
func numBlocks(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// InitPiece installs empty block storage for index sized for a piece of
// the given byte size. Re-initializing a piece that already has state
// discards it, including any of the piece's blocks still marked pending,
// so every slot of the re-initialized piece is offered again by NextBlock.
func (m *Manager) InitPiece(index uint32, size uint32) {
	for bi := range m.pending {
		if bi.PieceIndex == index {
			delete(m.pending, bi)
		}
	}
	m.pieces[index] = &pieceBlocks{slots: make([][]byte, numBlocks(size))}
}

// NextBlock returns the lowest-offset block of index that is neither
// stored nor already pending, and marks it pending with the current
// time. It returns ok=false when index was never initialized, every
// slot is stored, or every empty slot is pending.
func (m *Manager) NextBlock(index uint32, size uint32) (info BlockInfo, ok bool) {
	p, exists := m.pieces[index]
	if !exists {
		return BlockInfo{}, false
	}

	for i, slot := range p.slots {
		if slot != nil {
			continue
		}

		offset := uint32(i) * BlockSize
		length := BlockSize
		if remaining := size - offset; uint32(length) > remaining {
			length = int(remaining)
		}

		bi := BlockInfo{PieceIndex: index, Offset: offset, Length: uint32(length)}
		if _, isPending := m.pending[bi]; isPending {
			continue
		}

		m.pending[bi] = time.Now()
		return bi, true
	}

	return BlockInfo{}, false
}

// StoreBlock clears any pending entry for info and, if index is known
// and info.Offset falls within its slot range, stores data in that
// slot. Storing into an unknown piece, an out-of-range offset, or a
// slot that's already filled is a silent no-op: the piece manager will
// either see the piece complete or re-request it on session failure.
func (m *Manager) StoreBlock(info BlockInfo, data []byte) {
	delete(m.pending, info)

	p, exists := m.pieces[info.PieceIndex]
	if !exists {
		return
	}

	slotIdx := int(info.Offset / BlockSize)
	if slotIdx < 0 || slotIdx >= len(p.slots) {
		return
	}
	if p.slots[slotIdx] != nil {
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	p.slots[slotIdx] = cp
}

// IsPieceComplete reports whether every slot of index has been stored.
// It returns false for an unknown index.
func (m *Manager) IsPieceComplete(index uint32) bool {
	p, exists := m.pieces[index]
	if !exists {
		return false
	}

	for _, slot := range p.slots {
		if slot == nil {
			return false
		}
	}
	return true
}

// AssemblePiece concatenates index's slots in offset order. ok is false
// if index is unknown or incomplete.
func (m *Manager) AssemblePiece(index uint32) (data []byte, ok bool) {
	p, exists := m.pieces[index]
	if !exists {
		return nil, false
	}

	total := 0
	for _, slot := range p.slots {
		if slot == nil {
			return nil, false
		}
		total += len(slot)
	}

	out := make([]byte, 0, total)
	for _, slot := range p.slots {
		out = append(out, slot...)
	}
	return out, true
}

// CleanupPiece discards index's block bookkeeping. Pending entries for
// the piece are left as-is; they are cleared individually by StoreBlock
// and are otherwise harmless once the piece's slots are gone (NextBlock
// and StoreBlock both no-op against a missing piece).
func (m *Manager) CleanupPiece(index uint32) {
	delete(m.pieces, index)
}

// PendingSince returns the time NextBlock marked info pending, and
// whether it is still pending. Used by a session's request-timeout
// bookkeeping; no reaper goroutine consults this in scope.
func (m *Manager) PendingSince(info BlockInfo) (time.Time, bool) {
	t, ok := m.pending[info]
	return t, ok
}
