// Package dynamic implements the dynamic-size chunk index writer: a
// sequence of (end_offset, digest) pairs, sorted by end_offset, with no
// gaps permitted between consecutive chunks.
package dynamic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backupcore/internal/index"

	"github.com/google/uuid"
)

var (
	// ErrNonMonotonic is returned by Append when offset is less than the
	// previous chunk's end offset.
	ErrNonMonotonic = errors.New("dynamic: offset is not monotonically increasing")
	// ErrGap is returned by Append when offset does not equal the previous
	// chunk's end offset — the server permits no holes.
	ErrGap = errors.New("dynamic: append leaves a gap")
	// ErrCountMismatch is returned by Close when the declared chunk count
	// does not match the number of appended entries.
	ErrCountMismatch = errors.New("dynamic: chunk count mismatch")
	// ErrSizeMismatch is returned by Close when the declared total size
	// does not match the running end offset.
	ErrSizeMismatch = errors.New("dynamic: size mismatch")
	// ErrCsumMismatch is returned by Close when the declared digest-list
	// checksum does not match the running checksum.
	ErrCsumMismatch = errors.New("dynamic: csum mismatch")
	// ErrClosed is returned by Append and Close on an already-closed writer
	// (Abort on a closed writer returns nil).
	ErrClosed = errors.New("dynamic: writer is closed")
)

const entrySize = 8 + 32 // end_offset(8) || digest(32)

// Writer builds a dynamic-size index: a growing list of (end_offset,
// digest) entries.
type Writer struct {
	entries       []byte // entrySize-byte records, appended in order
	count         uint64
	lastEndOffset uint64

	hasher *index.DigestListHasher

	tmpPath   string
	finalPath string
	tmp       *os.File
	closed    bool
}

// New creates a dynamic index writer. finalPath is where Close will rename
// the completed index to.
func New(finalPath string, mode os.FileMode) (*Writer, error) {
	w := &Writer{
		hasher:    index.NewDigestListHasher(),
		finalPath: finalPath,
	}
	if err := w.openTemp(mode); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openTemp(mode os.FileMode) error {
	dir := filepath.Dir(w.finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("dynamic: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".didx-*")
	if err != nil {
		return fmt.Errorf("dynamic: create temp: %w", err)
	}
	if mode != 0 {
		_ = tmp.Chmod(mode)
	}
	w.tmp = tmp
	w.tmpPath = tmp.Name()
	return nil
}

// Append records a chunk spanning [offset, offset+size) ending with digest.
func (w *Writer) Append(offset, size uint64, digest [32]byte) error {
	if w.closed {
		return ErrClosed
	}
	if offset < w.lastEndOffset {
		return ErrNonMonotonic
	}
	if offset != w.lastEndOffset {
		return ErrGap
	}

	end := offset + size
	rec := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(rec[0:8], end)
	copy(rec[8:entrySize], digest[:])
	w.entries = append(w.entries, rec...)

	w.count++
	w.lastEndOffset = end
	w.hasher.Append(digest)
	return nil
}

// Close verifies chunkCount, size, and csum against the running state
// exactly, then atomically renames the temp file to finalPath.
func (w *Writer) Close(chunkCount, size uint64, csum [32]byte) error {
	if w.closed {
		return ErrClosed
	}
	if chunkCount != w.count {
		return ErrCountMismatch
	}
	if size != w.lastEndOffset {
		return ErrSizeMismatch
	}
	if csum != w.hasher.Sum() {
		return ErrCsumMismatch
	}

	hdr := index.Header{
		Magic: dynamicIndexMagic,
		UUID:  uuid.New(),
		Ctime: time.Now(),
		Csum:  w.hasher.Sum(),
	}
	if _, err := w.tmp.Write(hdr.Encode()); err != nil {
		w.abort()
		return fmt.Errorf("dynamic: write header: %w", err)
	}
	if _, err := w.tmp.Write(w.entries); err != nil {
		w.abort()
		return fmt.Errorf("dynamic: write entries: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("dynamic: fsync: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("dynamic: close temp: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("dynamic: rename %s -> %s: %w", w.tmpPath, w.finalPath, err)
	}

	w.closed = true
	return nil
}

// Abort discards the temp file without writing the final index.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.abort()
	w.closed = true
	return nil
}

func (w *Writer) abort() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmpPath)
}

var dynamicIndexMagic = [8]byte{28, 145, 78, 165, 25, 186, 179, 205}
