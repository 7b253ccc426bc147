// Package storage implements the piece verifier and scatter-writing
// disk writer (§4.6 of the download engine spec): a single consumer
// that SHA-1-verifies each completed piece and writes it across the
// torrent's virtual file concatenation.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaydev/leecher/internal/metainfo"
)

// CompletedPiece is a fully assembled, not-yet-verified piece pushed by
// a peer session onto the verifier's queue.
type CompletedPiece struct {
	Index uint32
	Data  []byte
}

type datafile struct {
	f      *os.File
	path   string
	offset int64
	length int64
}

// Writer owns the on-disk file set for one torrent and performs the
// scatter-write described in §4.6.1: a piece is split across every file
// whose byte range overlaps the piece's absolute offset range.
type Writer struct {
	files       []*datafile
	pieceLength int64
}

// NewWriter creates (truncated to final size) every file the torrent
// describes under downloadDir, and returns a Writer ready to accept
// completed pieces. Multi-file torrents are laid out under
// downloadDir/<info.Name>/<path...>; single-file torrents are placed at
// downloadDir/<info.Name>.
func NewWriter(info *metainfo.TorrentInfo, downloadDir string) (*Writer, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create download dir: %w", err)
	}

	files, err := layoutFiles(info, downloadDir)
	if err != nil {
		return nil, err
	}

	return &Writer{files: files, pieceLength: info.PieceLength}, nil
}

// Close closes every underlying file handle.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritePiece scatter-writes data (piece index's verified bytes) across
// every file whose absolute byte range overlaps it. No file is touched
// outside its own length, and no byte of data goes unwritten.
func (w *Writer) WritePiece(index uint32, data []byte) error {
	pieceStart := int64(index) * w.pieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, file := range w.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max(pieceStart, fileStart)
		overlapEnd := min(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("storage: write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("storage: short write to %s: wrote %d, want %d", file.path, n, writeLen)
		}
	}

	return nil
}

func layoutFiles(info *metainfo.TorrentInfo, downloadDir string) ([]*datafile, error) {
	if info.Length > 0 || len(info.Files) == 0 {
		path := filepath.Join(downloadDir, info.Name)
		df, err := createFile(path, info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*datafile{df}, nil
	}

	var (
		offset int64
		out    []*datafile
	)
	for _, f := range info.Files {
		parts := append([]string{downloadDir, info.Name}, f.Path...)
		path := filepath.Join(parts...)

		df, err := createFile(path, f.Length, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, df)
		offset += f.Length
	}

	return out, nil
}

func createFile(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create parent dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", path, err)
	}

	return &datafile{f: f, path: path, offset: offset, length: size}, nil
}
