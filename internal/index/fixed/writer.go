// Package fixed implements the fixed-size chunk index writer: a sequence of
// uniformly-sized slots, each holding one chunk's digest, addressed directly
// by offset.
package fixed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backupcore/internal/index"

	"github.com/google/uuid"
)

var (
	// ErrOffsetMisaligned is returned by Append when offset is not a
	// multiple of the chunk size (except for the final, partial chunk).
	ErrOffsetMisaligned = errors.New("fixed: offset misaligned to chunk size")
	// ErrSizeMismatch is returned by Append when size does not match the
	// uniform chunk size (or the final chunk's remainder), or by Close
	// when the declared totals don't match the running state.
	ErrSizeMismatch = errors.New("fixed: size mismatch")
	// ErrOutOfRange is returned by Append when offset+size exceeds the
	// declared total size.
	ErrOutOfRange = errors.New("fixed: append out of declared range")
	// ErrCountMismatch is returned by Close when the declared chunk count
	// does not match the number of slots.
	ErrCountMismatch = errors.New("fixed: chunk count mismatch")
	// ErrCsumMismatch is returned by Close when the declared digest-list
	// checksum does not match the running checksum.
	ErrCsumMismatch = errors.New("fixed: csum mismatch")
	// ErrClosed is returned by Append and Close on an already-closed writer
	// (Abort on a closed writer returns nil).
	ErrClosed = errors.New("fixed: writer is closed")
)

const slotSize = 32 // one SHA-256 digest per slot

// Writer builds a fixed-size index: declared total size S and uniform chunk
// size C, holding ceil(S/C) slots.
type Writer struct {
	size      uint64
	chunkSize uint64
	slots     uint64

	slotData []byte // slots*32 bytes, one digest per slot

	hasher      *index.DigestListHasher
	incremental bool

	tmpPath   string
	finalPath string
	tmp       *os.File
	closed    bool
}

// New creates a fixed index writer for a new archive with declared total
// size and uniform chunk size. finalPath is where Close will rename the
// completed index to.
func New(finalPath string, size, chunkSize uint64, mode os.FileMode) (*Writer, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("fixed: chunk size must be nonzero")
	}
	var slots uint64
	if size > 0 {
		slots = (size + chunkSize - 1) / chunkSize
	}

	w := &Writer{
		size:      size,
		chunkSize: chunkSize,
		slots:     slots,
		slotData:  make([]byte, slots*slotSize),
		hasher:    index.NewDigestListHasher(),
		finalPath: finalPath,
	}
	if err := w.openTemp(mode); err != nil {
		return nil, err
	}
	return w, nil
}

// NewIncremental clones slot contents from a previous snapshot's index of
// the same archive name before any append. Client-declared chunk_count and
// size are ignored at Close time in this mode, since slots not touched this
// session are inherited from prev (the previous index file's full encoded
// bytes, header included).
func NewIncremental(finalPath string, size, chunkSize uint64, prev []byte, mode os.FileMode) (*Writer, error) {
	w, err := New(finalPath, size, chunkSize, mode)
	if err != nil {
		return nil, err
	}
	w.incremental = true

	if len(prev) < index.HeaderSize {
		return w, nil
	}
	body := prev[index.HeaderSize:]
	n := min(uint64(len(body))/slotSize, w.slots)
	copy(w.slotData[:n*slotSize], body[:n*slotSize])
	for i := uint64(0); i < n; i++ {
		var d [32]byte
		copy(d[:], w.slotData[i*slotSize:(i+1)*slotSize])
		w.hasher.Append(d)
	}
	return w, nil
}

func (w *Writer) openTemp(mode os.FileMode) error {
	dir := filepath.Dir(w.finalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("fixed: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".fidx-*")
	if err != nil {
		return fmt.Errorf("fixed: create temp: %w", err)
	}
	if mode != 0 {
		_ = tmp.Chmod(mode)
	}
	w.tmp = tmp
	w.tmpPath = tmp.Name()
	return nil
}

// Append writes digest into the slot addressed by offset.
func (w *Writer) Append(offset, size uint64, digest [32]byte) error {
	if w.closed {
		return ErrClosed
	}
	if offset%w.chunkSize != 0 {
		return ErrOffsetMisaligned
	}
	if offset+size > w.size {
		return ErrOutOfRange
	}

	isFinal := offset+w.chunkSize >= w.size
	if isFinal {
		if size != w.size-offset {
			return ErrSizeMismatch
		}
	} else if size != w.chunkSize {
		return ErrSizeMismatch
	}

	slot := offset / w.chunkSize
	copy(w.slotData[slot*slotSize:(slot+1)*slotSize], digest[:])
	w.hasher.Append(digest)
	return nil
}

// Close verifies the declared totals (unless this is an incremental writer,
// in which case totals are ignored — untouched slots are inherited from the
// previous snapshot) and atomically renames the temp file to finalPath.
func (w *Writer) Close(chunkCount, size uint64, csum [32]byte) error {
	if w.closed {
		return ErrClosed
	}

	if !w.incremental {
		if chunkCount != w.slots {
			return ErrCountMismatch
		}
		if size != w.size {
			return ErrSizeMismatch
		}
		if csum != w.hasher.Sum() {
			return ErrCsumMismatch
		}
	}

	hdr := index.Header{
		Magic: fixedIndexMagic,
		UUID:  uuid.New(),
		Ctime: time.Now(),
		Csum:  w.hasher.Sum(),
	}
	index.PutFixedSizes(&hdr, w.size, w.chunkSize)

	if _, err := w.tmp.Write(hdr.Encode()); err != nil {
		w.abort()
		return fmt.Errorf("fixed: write header: %w", err)
	}
	if _, err := w.tmp.Write(w.slotData); err != nil {
		w.abort()
		return fmt.Errorf("fixed: write slots: %w", err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("fixed: fsync: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("fixed: close temp: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("fixed: rename %s -> %s: %w", w.tmpPath, w.finalPath, err)
	}

	w.closed = true
	return nil
}

// Abort discards the temp file without writing the final index. Used when a
// session is removed before Close.
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

var fixedIndexMagic = [8]byte{47, 127, 65, 237, 145, 253, 15, 205}
