// Package incoming implements the Incoming Store: one directory per
// transferID, chunks written at their expected byte offset, finalized by
// hashing the assembled file. Retransmission safely rewrites the same
// bytes at the same offset, so chunks are written in place and no
// open-write-rename step is used; Finalize syncs the file and hashes it.
package incoming

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store manages the incoming-data directory for one transfer.
type Store struct {
	dir  string
	file *os.File
}

// Open creates (or reopens) the transfer directory
// baseDir/transferID/filename, per the persisted-path contract
// (incoming_root/<transferID>/<filename>). filename is sanitized to its
// base name so a malicious peer cannot escape the transfer directory via
// path separators or ".." segments.
func Open(baseDir string, transferID [16]byte, filename string) (*Store, error) {
	safeName := sanitizeFilename(filename)
	dir := filepath.Join(baseDir, fmt.Sprintf("%x", transferID[:]))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("incoming: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, safeName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("incoming: open %s: %w", path, err)
	}
	return &Store{dir: dir, file: f}, nil
}

// sanitizeFilename strips any directory components and rejects the
// empty/"."/".." names a hostile Metadata frame could send, falling back
// to a fixed name rather than erroring the transfer outright.
func sanitizeFilename(filename string) string {
	name := filepath.Base(filepath.Clean(filename))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "data"
	}
	return name
}

// WriteChunk writes payload at expectedOffset. Rewriting the same offset
// with the same bytes (a retransmission) is safe and idempotent.
func (s *Store) WriteChunk(expectedOffset int64, payload []byte) error {
	if _, err := s.file.WriteAt(payload, expectedOffset); err != nil {
		return fmt.Errorf("incoming: write at offset %d: %w", expectedOffset, err)
	}
	return nil
}

// Finalize computes the SHA-256 digest of the assembled file.
func (s *Store) Finalize() ([32]byte, error) {
	if err := s.file.Sync(); err != nil {
		return [32]byte{}, fmt.Errorf("incoming: sync: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return [32]byte{}, fmt.Errorf("incoming: seek: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, s.file); err != nil {
		return [32]byte{}, fmt.Errorf("incoming: hash: %w", err)
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// Close closes the underlying file without removing the directory.
func (s *Store) Close() error {
	return s.file.Close()
}

// Remove closes the store and deletes the transfer's directory entirely.
func (s *Store) Remove() error {
	s.file.Close()
	return os.RemoveAll(s.dir)
}
