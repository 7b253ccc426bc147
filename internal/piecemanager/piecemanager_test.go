package piecemanager

import (
	"testing"

	"github.com/relaydev/leecher/internal/bitfield"
)

func bf(n int, set ...int) bitfield.Bitfield {
	b := bitfield.New(n)
	for _, i := range set {
		b.Set(i)
	}
	return b
}

func TestNextPieceDeterministicRarestFirstOrder(t *testing.T) {
	m := New(3, 1024)

	// Piece 0 has 1 peer, piece 1 has 2 peers, piece 2 has 1 peer.
	// Among the two rarest (0 and 2, both count=1), index must break
	// the tie ascending: 0 before 2.
	m.AddPeer(bf(3, 0, 1, 2))
	m.AddPeer(bf(3, 1))

	first, ok := m.NextPiece()
	if !ok || first != 0 {
		t.Fatalf("first = (%d, %v), want (0, true)", first, ok)
	}

	second, ok := m.NextPiece()
	if !ok || second != 2 {
		t.Fatalf("second = (%d, %v), want (2, true)", second, ok)
	}

	third, ok := m.NextPiece()
	if !ok || third != 1 {
		t.Fatalf("third = (%d, %v), want (1, true)", third, ok)
	}

	if _, ok := m.NextPiece(); ok {
		t.Fatal("want !ok once every piece is pending")
	}
}

func TestNextPieceSkipsCompletedAndPending(t *testing.T) {
	m := New(2, 1024)
	m.AddPeer(bf(2, 0, 1))

	idx, ok := m.NextPiece()
	if !ok {
		t.Fatal("want ok")
	}
	m.MarkCompleted(idx)

	other, ok := m.NextPiece()
	if !ok || other == idx {
		t.Fatalf("NextPiece returned %d, want the remaining piece != %d", other, idx)
	}
}

func TestNextPieceNoPeersReturnsFalse(t *testing.T) {
	m := New(1, 1024)
	if _, ok := m.NextPiece(); ok {
		t.Fatal("want !ok when no peer has announced any piece")
	}
}

func TestMarkFailedReleasesPieceForReassignment(t *testing.T) {
	m := New(1, 1024)
	m.AddPeer(bf(1, 0))

	idx, ok := m.NextPiece()
	if !ok || idx != 0 {
		t.Fatal("want piece 0")
	}

	m.MarkFailed(idx)

	again, ok := m.NextPiece()
	if !ok || again != 0 {
		t.Fatal("want piece 0 to become available again after MarkFailed")
	}
}

func TestRemovePeerDecrementsAvailability(t *testing.T) {
	m := New(1, 1024)
	peerA := bf(1, 0)
	peerB := bf(1, 0)
	m.AddPeer(peerA)
	m.AddPeer(peerB)

	m.RemovePeer(peerA)

	// Still one peer left with the piece; it must still be selectable.
	idx, ok := m.NextPiece()
	if !ok || idx != 0 {
		t.Fatal("want piece 0 still available after one of two peers leaves")
	}
}

func TestRemovePeerToZeroMakesPieceUnavailable(t *testing.T) {
	m := New(1, 1024)
	peer := bf(1, 0)
	m.AddPeer(peer)
	m.RemovePeer(peer)

	if _, ok := m.NextPiece(); ok {
		t.Fatal("want !ok once the only peer with the piece disconnects")
	}
}

func TestMarkCompletedExcludesFromAvailability(t *testing.T) {
	m := New(1, 1024)
	m.AddPeer(bf(1, 0))
	m.MarkCompleted(0)

	// A later AddPeer announcing the already-completed piece must not
	// resurrect it.
	m.AddPeer(bf(1, 0))
	if _, ok := m.NextPiece(); ok {
		t.Fatal("completed piece must never be handed out again")
	}
}

func TestIsCompleteAndProgress(t *testing.T) {
	m := New(2, 1024)
	m.AddPeer(bf(2, 0, 1))

	if m.IsComplete() {
		t.Fatal("want !IsComplete before any piece finishes")
	}

	idx1, _ := m.NextPiece()
	m.MarkCompleted(idx1)
	if done, total := m.Progress(); done != 1 || total != 2 {
		t.Fatalf("Progress = (%d, %d), want (1, 2)", done, total)
	}

	idx2, _ := m.NextPiece()
	m.MarkCompleted(idx2)
	if !m.IsComplete() {
		t.Fatal("want IsComplete once every piece is completed")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New(64, 1024)
	full := bf(64)
	for i := 0; i < 64; i++ {
		full.Set(i)
	}
	m.AddPeer(full)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for {
				idx, ok := m.NextPiece()
				if !ok {
					done <- struct{}{}
					return
				}
				m.MarkCompleted(idx)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if !m.IsComplete() {
		t.Fatal("want all 64 pieces completed by concurrent workers")
	}
}
