// Package peer implements the per-peer session state machine: handshake,
// choke/interest tracking, block-request pipelining, and the cleanup
// that every exit path must run (§4.3 of the download engine spec).
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/relaydev/leecher/internal/bitfield"
	"github.com/relaydev/leecher/internal/blockmanager"
	"github.com/relaydev/leecher/internal/piecemanager"
	"github.com/relaydev/leecher/internal/protocol"
	"github.com/relaydev/leecher/internal/stats"
	"github.com/relaydev/leecher/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Config tunes one peer session's timeouts and pipeline depth.
type Config struct {
	DialTimeout         time.Duration
	HandshakeTimeout    time.Duration
	MaxInflightRequests int
	KeepAliveInterval   time.Duration
}

const keepAliveDefault = 2 * time.Minute

const outboundQueueLen = 16

var (
	// ErrExpectedBitfield is returned when the first post-handshake frame
	// is not a Bitfield, per spec.
	ErrExpectedBitfield = errors.New("peer: expected bitfield as first message")
)

// Deps are the shared, torrent-wide collaborators a session consults and
// mutates. BlockManager is guarded by BlockMu since it is shared across
// every concurrently running session; PieceManager guards itself.
type Deps struct {
	PieceManager   *piecemanager.Manager
	BlockManager   *blockmanager.Manager
	BlockMu        *sync.Mutex
	CompletedQueue chan<- storage.CompletedPiece
	Stats          *stats.Stats

	InfoHash    [sha1.Size]byte
	ClientID    [sha1.Size]byte
	TotalPieces uint32
	PieceLength int64
	TotalLength int64
}

// pieceSize returns the true byte size of piece index, accounting for a
// possibly-short final piece.
func (d Deps) pieceSize(index uint32) uint32 {
	if index == d.TotalPieces-1 {
		last := d.TotalLength - int64(d.TotalPieces-1)*d.PieceLength
		return uint32(last)
	}
	return uint32(d.PieceLength)
}

// Session is one outbound peer connection's state machine. A Session is
// used for exactly one Run call.
type Session struct {
	addr netip.AddrPort
	cfg  Config
	deps Deps
	log  *slog.Logger

	conn net.Conn
	outq chan *protocol.Message

	amChoked      bool
	amInterested  bool
	peerBitfield  bitfield.Bitfield
	addedToAvail  bool
	hasAssignment bool
	assignedPiece uint32
	pipeline      []blockmanager.BlockInfo
}

// NewSession constructs a session for an outbound connection to addr. The
// session does nothing until Run is called.
func NewSession(addr netip.AddrPort, cfg Config, deps Deps, log *slog.Logger) *Session {
	if cfg.MaxInflightRequests <= 0 {
		cfg.MaxInflightRequests = 5
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = keepAliveDefault
	}

	return &Session{
		addr:     addr,
		cfg:      cfg,
		deps:     deps,
		log:      log.With("component", "peer", "addr", addr.String()),
		amChoked: true,
		outq:     make(chan *protocol.Message, outboundQueueLen),
	}
}

// Run drives the session to completion: connect, handshake, exchange
// messages until the peer or context ends the connection. Cleanup
// (releasing availability counts and any assigned piece) always runs,
// regardless of which exit path is taken.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.cleanup()

	conn, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("peer: connect: %w", err)
	}
	s.conn = conn
	defer conn.Close()

	if err := s.handshake(); err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}
	s.log.Info("peer.handshake.ok")

	fr := newFrameReader(conn)

	bf, err := s.readInitialBitfield(fr)
	if err != nil {
		return fmt.Errorf("peer: initial bitfield: %w", err)
	}
	s.peerBitfield = bf
	s.deps.PieceManager.AddPeer(bf)
	s.addedToAvail = true

	s.sendInterested()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, fr) })
	g.Go(func() error { return s.writeLoop(gctx) })

	// Unblock both loops promptly on cancellation; conn.Read/Write have no
	// context awareness of their own.
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.SetDeadline(time.Now())
		return nil
	})

	return g.Wait()
}

func (s *Session) connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	return dialer.DialContext(ctx, "tcp", s.addr.String())
}

func (s *Session) handshake() error {
	local := protocol.NewHandshake(s.deps.InfoHash, s.deps.ClientID)
	_, err := local.ExchangeOverConn(s.conn, s.cfg.HandshakeTimeout, true)
	return err
}

func (s *Session) readInitialBitfield(fr *frameReader) (bitfield.Bitfield, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	msg, err := fr.next()
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ID != protocol.Bitfield {
		return nil, ErrExpectedBitfield
	}

	return bitfield.FromBytes(msg.Payload), nil
}

// cleanup runs on every exit path: it releases this session's
// contribution to piece availability and, if a piece was assigned but
// never completed, releases it back for reassignment.
func (s *Session) cleanup() {
	if s.addedToAvail {
		s.deps.PieceManager.RemovePeer(s.peerBitfield)
	}
	if s.hasAssignment {
		s.deps.PieceManager.MarkFailed(s.assignedPiece)
	}
	s.log.Info("peer.session.closed")
}

func (s *Session) sendInterested() {
	s.amInterested = true
	s.enqueue(protocol.MessageInterested())
}

func (s *Session) enqueue(m *protocol.Message) {
	select {
	case s.outq <- m:
	default:
		// outq full; this peer is far behind, so drop this message
		// rather than blocking the read loop.
		s.log.Warn("peer.outq.full, dropping message", "id", m.ID)
	}
}

func (s *Session) readLoop(ctx context.Context, fr *frameReader) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := fr.next()
		if err != nil {
			return fmt.Errorf("peer: read: %w", err)
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-s.outq:
			if err := s.writeMessage(msg); err != nil {
				return fmt.Errorf("peer: write: %w", err)
			}

		case <-ticker.C:
			if err := s.writeMessage(nil); err != nil {
				return fmt.Errorf("peer: keepalive write: %w", err)
			}
		}
	}
}

func (s *Session) writeMessage(m *protocol.Message) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(buf)
	return err
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		s.log.Debug("peer.msg", "id", "keepalive")
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		s.amChoked = true
		s.pipeline = s.pipeline[:0]

	case protocol.Unchoke:
		s.amChoked = false
		s.refillPipeline()

	case protocol.Have:
		// Informational only in this scope; availability is not adjusted
		// on a single-piece grain. See spec.md §9.
		if idx, ok := msg.ParseHave(); ok {
			s.log.Debug("peer.msg.have", "index", idx)
		}

	case protocol.Piece:
		return s.handlePieceData(msg)

	case protocol.Bitfield, protocol.Port:
		s.log.Debug("peer.msg.ignored", "id", msg.ID.String())

	case protocol.Interested, protocol.NotInterested, protocol.Request, protocol.Cancel:
		// This client never uploads; these are no-ops in scope.

	default:
		s.log.Warn("peer.msg.unknown", "id", msg.ID)
	}

	return nil
}

func (s *Session) handlePieceData(msg *protocol.Message) error {
	index, begin, block, ok := msg.ParsePiece()
	if !ok {
		return nil
	}

	// Remove a pending request with a matching (index, begin); a length
	// mismatch between what was requested and what arrived is tolerated
	// by recomputing the key from the actual received length.
	key := blockmanager.BlockInfo{PieceIndex: index, Offset: begin, Length: uint32(len(block))}
	s.removeFromPipeline(index, begin)

	var completed *storage.CompletedPiece

	s.deps.BlockMu.Lock()
	s.deps.BlockManager.StoreBlock(key, block)
	if s.deps.BlockManager.IsPieceComplete(index) {
		if data, ok := s.deps.BlockManager.AssemblePiece(index); ok {
			completed = &storage.CompletedPiece{Index: index, Data: data}
		}
		s.deps.BlockManager.CleanupPiece(index)
	}
	s.deps.BlockMu.Unlock()

	s.deps.Stats.AddDownloaded(uint64(len(block)))

	if completed != nil {
		if s.hasAssignment && s.assignedPiece == index {
			s.hasAssignment = false
		}
		s.deps.CompletedQueue <- *completed
	}

	if !s.amChoked {
		s.refillPipeline()
	}

	return nil
}

func (s *Session) removeFromPipeline(index, begin uint32) {
	for i, bi := range s.pipeline {
		if bi.PieceIndex == index && bi.Offset == begin {
			s.pipeline = append(s.pipeline[:i], s.pipeline[i+1:]...)
			return
		}
	}
}

// refillPipeline tops up the outstanding request FIFO up to the
// configured pipeline depth, reserving a new piece via the piece manager
// if none is currently assigned.
func (s *Session) refillPipeline() {
	for len(s.pipeline) < s.cfg.MaxInflightRequests {
		if !s.hasAssignment {
			idx, ok := s.deps.PieceManager.NextPiece()
			if !ok {
				return
			}
			s.assignedPiece = idx
			s.hasAssignment = true

			s.deps.BlockMu.Lock()
			s.deps.BlockManager.InitPiece(idx, s.deps.pieceSize(idx))
			s.deps.BlockMu.Unlock()
		}

		s.deps.BlockMu.Lock()
		bi, ok := s.deps.BlockManager.NextBlock(s.assignedPiece, s.deps.pieceSize(s.assignedPiece))
		s.deps.BlockMu.Unlock()
		if !ok {
			return
		}

		s.pipeline = append(s.pipeline, bi)
		s.enqueue(protocol.MessageRequest(bi.PieceIndex, bi.Offset, bi.Length))
	}
}
