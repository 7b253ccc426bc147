package tracker

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaydev/leecher/internal/bencode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	body := map[string]any{
		"interval": int64(1800),
		"complete": int64(3),
		"incomplete": int64(1),
		"peers": string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
	}
	encoded, err := bencode.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("compact"); got != "1" {
			t.Errorf("compact query param = %q, want 1", got)
		}
		w.Write(encoded)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Announce(t.Context(), AnnounceParams{NumWant: 50})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if len(resp.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(resp.Peers))
	}
	if resp.Peers[0].Addr().String() != "127.0.0.1" {
		t.Errorf("peer addr = %s, want 127.0.0.1", resp.Peers[0].Addr())
	}
	if resp.Peers[0].Port() != 0x1AE1 {
		t.Errorf("peer port = %d, want %d", resp.Peers[0].Port(), 0x1AE1)
	}
	if resp.Seeders != 3 || resp.Leechers != 1 {
		t.Errorf("seeders/leechers = %d/%d, want 3/1", resp.Seeders, resp.Leechers)
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	body, _ := bencode.Marshal(map[string]any{"failure reason": "torrent not registered"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Announce(t.Context(), AnnounceParams{}); err == nil {
		t.Fatal("Announce: want error for failure reason response")
	}
}

func TestAnnounceFallsBackToNextURL(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := bencode.Marshal(map[string]any{"interval": int64(1800), "peers": ""})
		w.Write(b)
	}))
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c, err := New(bad.URL, [][]string{{good.URL}}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Announce(t.Context(), AnnounceParams{})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(resp.Peers) != 0 {
		t.Fatalf("len(Peers) = %d, want 0", len(resp.Peers))
	}
}

func TestNewRejectsUnusableURLs(t *testing.T) {
	if _, err := New("not-a-url", nil, discardLogger()); err != ErrNoUsableTrackerURL {
		t.Fatalf("err = %v, want ErrNoUsableTrackerURL", err)
	}
}

func TestParseCompactPeersV4MalformedLength(t *testing.T) {
	if _, err := parseCompactPeersV4("abc"); err == nil {
		t.Fatal("want error for length not a multiple of stride")
	}
}
