// Package store implements the content-addressed chunk store: a directory
// tree keyed by digest, with idempotent atomic inserts and CRC-verified
// reads.
package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"backupcore/internal/chunkfmt"
	"backupcore/internal/lockfile"
	"backupcore/internal/logging"
)

var (
	// ErrNotFound is returned by Read when no chunk with the given digest exists.
	ErrNotFound = errors.New("store: chunk not found")
	// ErrCorruptChunk is returned by Read when the on-disk bytes fail CRC
	// verification.
	ErrCorruptChunk = errors.New("store: chunk is corrupt")
)

// gcLockFileName is the store-wide process lock an external garbage
// collector takes exclusively during its sweep phase; Insert holds the
// shared counterpart for the Store's lifetime.
const gcLockFileName = ".gc.lock"

// Digest is a content digest: SHA-256 of the chunk's plaintext.
type Digest [32]byte

// Config configures a Store.
type Config struct {
	// Dir is the store's root directory; chunks live under Dir/.chunks.
	Dir string
	// FileMode is applied to created files. Defaults to 0o644.
	FileMode os.FileMode
	Logger   *slog.Logger
}

// Store is a content-addressed chunk store rooted at a directory. Digests
// are sharded one level deep by their first hex byte (bit-exact with the
// on-disk layout other backup-ingestion implementations expect).
type Store struct {
	dir      string
	fileMode os.FileMode
	gcLock   *lockfile.Lock
	logger   *slog.Logger
}

// New opens (and creates if necessary) the chunk store rooted at cfg.Dir,
// and takes the shared side of the store-wide GC lock: insertions and an
// external GC sweep's exclusive lock exclude each other (reader-writer
// pattern across processes). New fails if a GC sweep currently holds the
// exclusive side.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("store: Dir is required")
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	dir := filepath.Join(cfg.Dir, ".chunks")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	gcLock, err := lockfile.Acquire(filepath.Join(cfg.Dir, gcLockFileName), lockfile.Shared, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: acquire gc lock: %w", err)
	}
	return &Store{
		dir:      dir,
		fileMode: cfg.FileMode,
		gcLock:   gcLock,
		logger:   logging.Default(cfg.Logger).With("component", "store"),
	}, nil
}

// Path returns the final on-disk path a chunk with the given digest would
// occupy, whether or not it currently exists.
func (s *Store) Path(d Digest) string {
	hex := digestHex(d)
	return filepath.Join(s.dir, hex[0:2], hex)
}

// Insert writes raw (already chunkfmt-encoded) bytes for digest d,
// idempotently. It returns wasNew=true and size=len(raw) if this call
// created the file; if the digest already existed, it returns wasNew=false
// and the existing file's size, discarding raw.
//
// Concurrent inserts of the same digest are safe: both writers write to
// their own temp file, fsync, then attempt a hard link to the final path;
// whichever loses the race discards its temp file, and both callers observe
// the same final bytes.
func (s *Store) Insert(d Digest, raw []byte) (wasNew bool, size int64, err error) {
	if s.gcLock == nil {
		return false, 0, errors.New("store: insert without gc lock held")
	}

	final := s.Path(d)
	if info, statErr := os.Stat(final); statErr == nil {
		return false, info.Size(), nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, 0, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".insert-*")
	if err != nil {
		return false, 0, fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return false, 0, fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Chmod(s.fileMode); err != nil {
		cleanup()
		return false, 0, fmt.Errorf("store: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return false, 0, fmt.Errorf("store: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("store: close temp: %w", err)
	}

	if err := os.Link(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, os.ErrExist) {
			info, statErr := os.Stat(final)
			if statErr != nil {
				return false, 0, fmt.Errorf("store: stat existing %s: %w", final, statErr)
			}
			return false, info.Size(), nil
		}
		return false, 0, fmt.Errorf("store: link %s -> %s: %w", tmpPath, final, err)
	}
	_ = os.Remove(tmpPath)

	return true, int64(len(raw)), nil
}

// Read reads and CRC-verifies the chunk stored under digest d, returning
// its raw (chunkfmt-encoded) bytes.
func (s *Store) Read(d Digest) ([]byte, error) {
	path := s.Path(d)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	stored, err := chunkfmt.Crc(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	computed, err := chunkfmt.ComputeCrc(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	if stored != computed {
		return nil, ErrCorruptChunk
	}
	return raw, nil
}

// Touch updates the chunk's access time, used by an external GC's mark
// phase. It is idempotent and a no-op if the digest does not exist.
func (s *Store) Touch(d Digest) error {
	path := s.Path(d)
	now := nowFunc()
	if err := os.Chtimes(path, now, now); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: touch %s: %w", path, err)
	}
	return nil
}

// Close releases the store's shared GC lock.
func (s *Store) Close() error {
	if s.gcLock != nil {
		return s.gcLock.Close()
	}
	return nil
}

func digestHex(d Digest) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range d {
		out[2*i] = hexDigits[b>>4]
		out[2*i+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

// ComputeDigest returns the SHA-256 digest of plaintext, as used to name
// chunks in the store.
func ComputeDigest(plaintext []byte) Digest {
	return sha256.Sum256(plaintext)
}

var _ io.Closer = (*Store)(nil)
