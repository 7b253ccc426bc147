// Package coordinator wires the download engine's components together
// (§4.7): it derives torrent geometry from the metainfo, builds the
// shared piece/block managers and stats, opens the disk writer, spawns
// the verifier and one session per discovered peer, and reports
// completion or a fatal tracker/metainfo error to its caller.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/relaydev/leecher/internal/blockmanager"
	"github.com/relaydev/leecher/internal/config"
	"github.com/relaydev/leecher/internal/metainfo"
	"github.com/relaydev/leecher/internal/peer"
	"github.com/relaydev/leecher/internal/piecemanager"
	"github.com/relaydev/leecher/internal/stats"
	"github.com/relaydev/leecher/internal/storage"
	"github.com/relaydev/leecher/internal/tracker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// progressInterval is how often the progress task samples stats (spec
// §4.7 step 8).
const progressInterval = 500 * time.Millisecond

// Coordinator owns one torrent download end to end.
type Coordinator struct {
	info *metainfo.TorrentInfo
	cfg  config.Config
	log  *slog.Logger

	pieceManager *piecemanager.Manager
	blockManager *blockmanager.Manager
	blockMu      sync.Mutex
	stats        *stats.Stats

	writer   *storage.Writer
	verifier *storage.Verifier
	queue    chan<- storage.CompletedPiece

	tracker *tracker.Client

	totalPieces uint32
}

// New builds a Coordinator for info using cfg. It creates the download
// directory and truncates every destination file but does not contact
// the tracker or open any connections yet; call Run for that.
func New(info *metainfo.TorrentInfo, cfg config.Config, log *slog.Logger) (*Coordinator, error) {
	totalPieces := uint32(len(info.Pieces))
	if totalPieces == 0 {
		return nil, fmt.Errorf("coordinator: torrent has no pieces")
	}

	pieceManager := piecemanager.New(totalPieces, info.PieceLength)
	blockManager := blockmanager.New()
	st := stats.New(totalPieces, time.Now())

	writer, err := storage.NewWriter(info, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open writer: %w", err)
	}

	verifier, queue := storage.NewVerifier(writer, pieceManager, st, info.Pieces, log)

	trackerClient, err := tracker.New(info.Announce, info.AnnounceList, log)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("coordinator: tracker client: %w", err)
	}

	return &Coordinator{
		info:         info,
		cfg:          cfg,
		log:          log.With("component", "coordinator", "torrent", info.Name),
		pieceManager: pieceManager,
		blockManager: blockManager,
		stats:        st,
		writer:       writer,
		verifier:     verifier,
		queue:        queue,
		tracker:      trackerClient,
		totalPieces:  totalPieces,
	}, nil
}

// Run executes the coordinator's ten-step start sequence (spec.md
// §4.7). It returns nil on full completion or a clean interrupt (ctx
// cancellation), and a non-nil error only for a fatal tracker failure.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.writer.Close()

	verifyGrp, verifyCtx := errgroup.WithContext(ctx)
	verifyGrp.Go(func() error { return c.verifier.Run(verifyCtx) })

	resp, err := c.announce(ctx)
	if err != nil {
		close(c.queue)
		verifyGrp.Wait()
		return fmt.Errorf("coordinator: tracker announce: %w", err)
	}

	c.log.Info("tracker announce ok", "peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers)

	if len(resp.Peers) == 0 {
		c.log.Warn("tracker returned no peers, exiting")
		close(c.queue)
		return verifyGrp.Wait()
	}

	progressDone := make(chan struct{})
	go c.runProgress(ctx, progressDone)

	c.spawnPeers(ctx, resp.Peers)

	close(c.queue)
	<-progressDone
	verifyErr := verifyGrp.Wait()

	if c.pieceManager.IsComplete() {
		c.log.Info("download complete")
		return nil
	}
	if ctx.Err() != nil {
		c.log.Info("shutdown requested, exiting cleanly")
		return nil
	}
	return verifyErr
}

func (c *Coordinator) announce(ctx context.Context) (*tracker.AnnounceResponse, error) {
	return c.tracker.Announce(ctx, tracker.AnnounceParams{
		InfoHash:   c.info.InfoHash,
		PeerID:     c.cfg.ClientID,
		Downloaded: 0,
		Uploaded:   0,
		Left:       uint64(c.info.Size()),
		NumWant:    c.cfg.NumWant,
		Port:       c.cfg.Port,
		Event:      tracker.EventStarted,
	})
}

// spawnPeers acquires one semaphore slot per peer address (bounded by
// MaxPeers) and runs one session per slot, releasing it when the
// session ends. It returns once every spawned session has exited; when
// the piece manager reports the download complete, the remaining
// sessions are cancelled so that they exit.
func (c *Coordinator) spawnPeers(ctx context.Context, addrs []netip.AddrPort) {
	sem := semaphore.NewWeighted(int64(c.cfg.MaxPeers))

	sessCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for !c.pieceManager.IsComplete() {
			select {
			case <-sessCtx.Done():
				return
			case <-ticker.C:
			}
		}
		stopSessions()
	}()

	grp, gctx := errgroup.WithContext(sessCtx)

	peerCfg := peer.Config{
		DialTimeout:         c.cfg.DialTimeout,
		HandshakeTimeout:    c.cfg.HandshakeTimeout,
		MaxInflightRequests: c.cfg.MaxInflightRequestsPerPeer,
	}

	for _, addr := range addrs {
		if c.pieceManager.IsComplete() {
			break
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break // context cancelled
		}

		addr := addr
		grp.Go(func() error {
			defer sem.Release(1)

			deps := peer.Deps{
				PieceManager:   c.pieceManager,
				BlockManager:   c.blockManager,
				BlockMu:        &c.blockMu,
				CompletedQueue: c.queue,
				Stats:          c.stats,
				InfoHash:       c.info.InfoHash,
				ClientID:       c.cfg.ClientID,
				TotalPieces:    c.totalPieces,
				PieceLength:    c.info.PieceLength,
				TotalLength:    c.info.Size(),
			}

			sess := peer.NewSession(addr, peerCfg, deps, c.log)
			if err := sess.Run(gctx); err != nil {
				c.log.Warn("peer session ended", "addr", addr, "error", err)
			}
			return nil // per-peer failures never propagate (spec.md §7)
		})
	}

	_ = grp.Wait()
}

func (c *Coordinator) runProgress(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.pieceManager.IsComplete() {
				return
			}
			snap := c.stats.Snapshot(time.Now())
			completed, total := c.pieceManager.Progress()
			c.log.Info("progress",
				"pieces", fmt.Sprintf("%d/%d", completed, total),
				"downloaded_bytes", snap.DownloadedBytes,
				"throughput_bps", snap.ThroughputBps,
			)
		}
	}
}
