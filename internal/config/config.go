// Package config holds process-wide tunables for the download engine,
// loaded once at startup from CLI flags and defaults.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"sync/atomic"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ClientID is this client's unique 20-byte peer ID.
	ClientID [sha1.Size]byte

	// DownloadDir is where files are written.
	DownloadDir string

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int

	// NumWant is the number of peers requested per tracker announce.
	NumWant uint32

	// Port is the (unused, but announced) listening port for incoming
	// connections. This client never accepts inbound connections.
	Port uint16

	// DialTimeout bounds the initial TCP connect to a peer.
	DialTimeout time.Duration

	// HandshakeTimeout bounds waiting for the peer's handshake response.
	HandshakeTimeout time.Duration

	// MaxInflightRequestsPerPeer bounds the pipeline depth per peer session.
	MaxInflightRequestsPerPeer int

	// PieceQueueSize is the capacity of the completed-piece queue feeding
	// the verifier/writer.
	PieceQueueSize int

	// Verbose enables debug-level logging.
	Verbose bool
}

const clientIDPrefix = "-TR0001-"

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:                   clientID,
		DownloadDir:                "./downloads",
		MaxPeers:                   50,
		NumWant:                    50,
		Port:                       6881,
		DialTimeout:                5 * time.Second,
		HandshakeTimeout:           5 * time.Second,
		MaxInflightRequestsPerPeer: 5,
		PieceQueueSize:             100,
	}, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte(clientIDPrefix)
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}

var global atomic.Value

// Init stores cfg as the process-wide configuration.
func Init(cfg Config) {
	global.Store(cfg)
}

// Load returns the process-wide configuration. It panics if Init has not
// been called; every entrypoint into this package calls Init at startup.
func Load() Config {
	v := global.Load()
	if v == nil {
		panic("config: Load called before Init")
	}
	return v.(Config)
}
