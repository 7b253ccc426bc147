package peer

import (
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/relaydev/leecher/internal/bitfield"
	"github.com/relaydev/leecher/internal/blockmanager"
	"github.com/relaydev/leecher/internal/piecemanager"
	"github.com/relaydev/leecher/internal/protocol"
	"github.com/relaydev/leecher/internal/stats"
	"github.com/relaydev/leecher/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAddr() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:6881")
}

func TestDepsPieceSize(t *testing.T) {
	d := Deps{TotalPieces: 3, PieceLength: 100, TotalLength: 250}

	if got := d.pieceSize(0); got != 100 {
		t.Errorf("piece 0 size = %d, want 100", got)
	}
	if got := d.pieceSize(1); got != 100 {
		t.Errorf("piece 1 size = %d, want 100", got)
	}
	if got := d.pieceSize(2); got != 50 {
		t.Errorf("last piece size = %d, want 50", got)
	}
}

func newTestSession(t *testing.T, pm *piecemanager.Manager, bm *blockmanager.Manager, queue chan storage.CompletedPiece) *Session {
	t.Helper()

	var mu sync.Mutex
	deps := Deps{
		PieceManager:   pm,
		BlockManager:   bm,
		BlockMu:        &mu,
		CompletedQueue: queue,
		Stats:          stats.New(pm.TotalPieces(), time.Now()),
		TotalPieces:    pm.TotalPieces(),
		PieceLength:    pm.PieceSize(),
		TotalLength:    pm.PieceSize() * int64(pm.TotalPieces()),
	}

	return NewSession(testAddr(), Config{MaxInflightRequests: 2}, deps, discardLogger())
}

func TestSessionRefillPipelineReservesAndRequests(t *testing.T) {
	pm := piecemanager.New(2, 16384)
	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)
	pm.AddPeer(bf)

	bm := blockmanager.New()
	queue := make(chan storage.CompletedPiece, 1)

	s := newTestSession(t, pm, bm, queue)
	s.amChoked = false

	s.refillPipeline()

	if !s.hasAssignment {
		t.Fatal("expected a piece to be assigned after refill")
	}
	if len(s.pipeline) != 1 {
		t.Fatalf("expected exactly 1 in-flight block (whole piece fits in one), got %d", len(s.pipeline))
	}

	select {
	case m := <-s.outq:
		if m.ID != protocol.Request {
			t.Errorf("expected a Request message, got %s", m.ID)
		}
	default:
		t.Fatal("expected a queued Request message")
	}
}

func TestSessionHandlePieceDataCompletesAndClearsAssignment(t *testing.T) {
	pm := piecemanager.New(1, 8)
	bf := bitfield.New(1)
	bf.Set(0)
	pm.AddPeer(bf)

	bm := blockmanager.New()
	queue := make(chan storage.CompletedPiece, 1)

	s := newTestSession(t, pm, bm, queue)
	s.amChoked = false
	s.refillPipeline()

	if !s.hasAssignment {
		t.Fatal("expected assignment")
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	msg := protocol.MessagePiece(0, 0, data)

	if err := s.handlePieceData(msg); err != nil {
		t.Fatalf("handlePieceData: %v", err)
	}

	if s.hasAssignment {
		t.Error("expected assignment to be cleared on piece completion")
	}

	select {
	case cp := <-queue:
		if cp.Index != 0 {
			t.Errorf("completed piece index = %d, want 0", cp.Index)
		}
		if string(cp.Data) != string(data) {
			t.Errorf("completed piece data mismatch")
		}
	default:
		t.Fatal("expected a completed piece on the queue")
	}
}

func TestSessionCleanupReleasesAssignmentAndAvailability(t *testing.T) {
	pm := piecemanager.New(2, 16384)
	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)
	pm.AddPeer(bf) // a second peer, so availability survives this session's cleanup
	pm.AddPeer(bf)

	bm := blockmanager.New()
	queue := make(chan storage.CompletedPiece, 1)

	s := newTestSession(t, pm, bm, queue)
	s.peerBitfield = bf
	s.addedToAvail = true
	s.amChoked = false
	s.refillPipeline()

	if !s.hasAssignment {
		t.Fatal("expected assignment before cleanup")
	}
	assigned := s.assignedPiece

	s.cleanup()

	// The piece must be reassignable after cleanup releases it.
	idx, ok := pm.NextPiece()
	if !ok {
		t.Fatal("expected a piece to be available after cleanup")
	}
	if idx != assigned && idx != 1-assigned {
		t.Errorf("unexpected next piece %d", idx)
	}
}

func TestSessionChokeClearsPipeline(t *testing.T) {
	pm := piecemanager.New(2, 16384)
	bf := bitfield.New(2)
	bf.Set(0)
	bf.Set(1)
	pm.AddPeer(bf)

	bm := blockmanager.New()
	queue := make(chan storage.CompletedPiece, 1)

	s := newTestSession(t, pm, bm, queue)
	s.amChoked = false
	s.refillPipeline()

	if len(s.pipeline) == 0 {
		t.Fatal("expected a non-empty pipeline before choke")
	}

	if err := s.handleMessage(protocol.MessageChoke()); err != nil {
		t.Fatalf("handleMessage(choke): %v", err)
	}

	if !s.amChoked {
		t.Error("expected amChoked=true after Choke")
	}
	if len(s.pipeline) != 0 {
		t.Errorf("expected pipeline cleared after Choke, got %d entries", len(s.pipeline))
	}
}
