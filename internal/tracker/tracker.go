// Package tracker announces to a torrent's HTTP tracker and decodes the
// compact IPv4 peer list from its response.
package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaydev/leecher/internal/bencode"
	"github.com/relaydev/leecher/internal/cast"
	"github.com/relaydev/leecher/internal/retry"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

const strideV4 = 6 // 4 bytes IP + 2 bytes port

type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// AnnounceParams mirrors the standard HTTP tracker announce query
// parameters (BEP 3).
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse holds the fields of a tracker's announce response
// this client acts on.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

var ErrNoUsableTrackerURL = errors.New("tracker: no usable announce URL")

// Client announces to a single torrent's tracker: the primary announce
// URL, falling back in order to the first usable URL of each
// announce-list tier.
type Client struct {
	urls   []*url.URL
	client *http.Client
	log    *slog.Logger
}

// New parses announce and announceList (BEP 12) into the URLs Announce
// will try, in order. At least one must be a supported http(s) scheme.
func New(announce string, announceList [][]string, log *slog.Logger) (*Client, error) {
	urls := collectAnnounceURLs(announce, announceList)
	if len(urls) == 0 {
		return nil, ErrNoUsableTrackerURL
	}

	return &Client{
		urls: urls,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With("component", "tracker"),
	}, nil
}

func collectAnnounceURLs(announce string, announceList [][]string) []*url.URL {
	var urls []*url.URL

	if u, ok := parseTrackerURL(announce); ok {
		urls = append(urls, u)
	}
	for _, tier := range announceList {
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				urls = append(urls, u)
				break // one usable URL per tier is enough for fallback purposes
			}
		}
	}

	return urls
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

// Announce performs a best-effort announce: the primary URL is retried
// with exponential backoff before falling back to the next URL in
// order. It returns the first successful response, or the last error
// if every URL's retries are exhausted.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for _, u := range c.urls {
		var resp *AnnounceResponse

		err := retry.Do(ctx, func(ctx context.Context) error {
			r, err := c.announceOnce(ctx, u, params)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, retry.WithExponentialBackoff(3, 500*time.Millisecond, 10*time.Second)...)

		if err == nil {
			return resp, nil
		}

		c.log.Warn("announce failed, trying next tracker URL", "url", u.String(), "error", err)
		lastErr = err
	}

	return nil, fmt.Errorf("tracker: all announce URLs exhausted: %w", lastErr)
}

func (c *Client) announceOnce(ctx context.Context, base *url.URL, params AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildAnnounceURL(base, params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	return parseAnnounceResponse(resp.Body)
}

func buildAnnounceURL(base *url.URL, params AnnounceParams) string {
	u := *base
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dict")
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", failure)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	peers, err := parseCompactPeersV4(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: peers: %w", err)
	}

	minInterval, _ := cast.ToInt(dict["min interval"])
	seeders, _ := cast.ToInt(dict["complete"])
	leechers, _ := cast.ToInt(dict["incomplete"])

	return &AnnounceResponse{
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

// parseCompactPeersV4 decodes the "peers" field as a compact IPv4 peer
// string (BEP 23). Non-compact (dict-style) and compact IPv6 responses
// are not decoded.
func parseCompactPeersV4(v any) ([]netip.AddrPort, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := cast.ToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("non-compact peers response not supported: %w", err)
	}
	if len(raw)%strideV4 != 0 {
		return nil, fmt.Errorf("malformed compact peers: length %d not a multiple of %d", len(raw), strideV4)
	}

	n := len(raw) / strideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+strideV4 {
		chunk := raw[off : off+strideV4]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}
