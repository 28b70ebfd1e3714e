// Package environment implements the Backup Environment: the per-session
// state machine that owns a snapshot directory, the set of registered index
// writers, and the set of chunk digests the session has touched. It is the
// "heart" of the backup ingestion core (spec §4.4).
package environment

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"backupcore/internal/chunkfmt"
	"backupcore/internal/index/dynamic"
	"backupcore/internal/index/fixed"
	"backupcore/internal/logging"
	"backupcore/internal/manifest"
	"backupcore/internal/store"
)

// State is the session's lifecycle state.
type State int

const (
	StateNew State = iota
	StateOpen
	StateFinished
	StateRemoved
)

var (
	ErrSessionClosed     = errors.New("environment: session is not open")
	ErrChunkTooLarge     = errors.New("environment: chunk payload exceeds maximum size")
	ErrDuplicateMismatch = errors.New("environment: digest already registered with a different size")
	ErrBadName           = errors.New("environment: archive name has the wrong extension")
	ErrNameInUse        = errors.New("environment: archive name already used this session")
	ErrUnknownWriter    = errors.New("environment: unknown writer id")
	ErrWrongWriterKind  = errors.New("environment: writer id refers to the other index kind")
	ErrUnknownChunk     = errors.New("environment: digest not registered this session")
	ErrNoPreviousBackup = errors.New("environment: no usable previous snapshot for incremental reuse")
	ErrCsumMismatch     = errors.New("environment: reuse checksum does not match previous snapshot's index")
	ErrWritersOpen      = errors.New("environment: writers are still open")
	ErrEmpty            = errors.New("environment: no index was closed this session")
)

// writerKind distinguishes the two index writer flavors.
type writerKind int

const (
	writerFixed writerKind = iota
	writerDynamic
)

type writerEntry struct {
	kind        writerKind
	archiveName string
	fixedW      *fixed.Writer
	dynamicW    *dynamic.Writer
}

// Config configures a new Environment. Dir must already exist (the
// Dispatcher creates it at session open, per §4.5 step 5).
type Config struct {
	Dir          string
	Store        *store.Store
	CryptConfig  *chunkfmt.CryptConfig
	PrevDir      string
	PrevManifest *manifest.Manifest
	FileMode     os.FileMode
	Logger       *slog.Logger
}

// Environment is the single mutex-guarded session object. Every exported
// method takes the mutex for bookkeeping only; chunk and index I/O occurs
// outside the critical section.
type Environment struct {
	dir          string
	store        *store.Store
	cryptConfig  *chunkfmt.CryptConfig
	prevDir      string
	prevManifest *manifest.Manifest
	fileMode     os.FileMode
	logger       *slog.Logger

	mu             sync.Mutex
	state          State
	digestSizes    map[store.Digest]uint64
	writers        map[int]*writerEntry
	usedNames      map[string]struct{}
	closedArchives []manifest.FileEntry
	nextWID        int
}

// New creates an Environment in the OPEN state.
func New(cfg Config) *Environment {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	return &Environment{
		dir:          cfg.Dir,
		store:        cfg.Store,
		cryptConfig:  cfg.CryptConfig,
		prevDir:      cfg.PrevDir,
		prevManifest: cfg.PrevManifest,
		fileMode:     cfg.FileMode,
		logger:       logging.Default(cfg.Logger).With("component", "environment"),
		state:        StateOpen,
		digestSizes:  make(map[store.Digest]uint64),
		writers:      make(map[int]*writerEntry),
		usedNames:    make(map[string]struct{}),
		nextWID:      1,
	}
}

// State returns the session's current lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Environment) requireOpen() error {
	if e.state != StateOpen {
		return ErrSessionClosed
	}
	return nil
}

// UploadChunk inserts encodedBytes into the Chunk Store under digest (the
// store I/O happens without holding the environment mutex) and, once
// durable, records digest -> decodedSize in the session map. decodedSize is
// supplied by the caller and trusted; the backup ingestion core verifies
// digests lazily (at verify/restore time), not on every upload.
func (e *Environment) UploadChunk(digest store.Digest, encodedBytes []byte, decodedSize uint64) error {
	if len(encodedBytes) > chunkMaxSize {
		return ErrChunkTooLarge
	}

	if _, _, err := e.store.Insert(digest, encodedBytes); err != nil {
		return fmt.Errorf("environment: insert chunk: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOpen(); err != nil {
		return err
	}
	if existing, ok := e.digestSizes[digest]; ok && existing != decodedSize {
		return ErrDuplicateMismatch
	}
	e.digestSizes[digest] = decodedSize
	return nil
}

// RegisterChunk records digest -> decodedSize without storing bytes, used
// when a chunk is known-present from the previous snapshot.
func (e *Environment) RegisterChunk(digest store.Digest, decodedSize uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOpen(); err != nil {
		return err
	}
	if existing, ok := e.digestSizes[digest]; ok && existing != decodedSize {
		return ErrDuplicateMismatch
	}
	e.digestSizes[digest] = decodedSize
	return nil
}

// LookupChunk is a non-mutating query of the session's digest map.
func (e *Environment) LookupChunk(digest store.Digest) (size uint64, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	size, found = e.digestSizes[digest]
	return size, found
}

// UploadBlob writes a single, non-chunked encoded blob (e.g. a client log
// or catalog file) directly into the snapshot directory and records it in
// the manifest under its encoded-bytes checksum.
func (e *Environment) UploadBlob(name string, encodedBytes []byte) error {
	if !strings.HasSuffix(name, ".blob") {
		return ErrBadName
	}
	if len(encodedBytes) > chunkMaxSize {
		return ErrChunkTooLarge
	}
	if _, err := chunkfmt.Decode(chunkfmt.KindBlob, encodedBytes, e.cryptConfig); err != nil {
		return fmt.Errorf("environment: decode blob: %w", err)
	}

	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return err
	}
	if _, used := e.usedNames[name]; used {
		e.mu.Unlock()
		return ErrNameInUse
	}
	e.usedNames[name] = struct{}{}
	e.mu.Unlock()

	if err := writeAtomic(filepath.Join(e.dir, name), encodedBytes, e.fileMode); err != nil {
		e.mu.Lock()
		delete(e.usedNames, name)
		e.mu.Unlock()
		return fmt.Errorf("environment: write blob %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedArchives = append(e.closedArchives, manifest.FileEntry{
		ArchiveName: name,
		Size:        uint64(len(encodedBytes)),
		Csum:        fmt.Sprintf("%x", sha256.Sum256(encodedBytes)),
	})
	return nil
}

// CreateDynamicWriter validates name and opens a new dynamic index writer.
func (e *Environment) CreateDynamicWriter(name string) (int, error) {
	if !strings.HasSuffix(name, ".didx") {
		return 0, ErrBadName
	}

	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if _, used := e.usedNames[name]; used {
		e.mu.Unlock()
		return 0, ErrNameInUse
	}
	e.usedNames[name] = struct{}{}
	e.mu.Unlock()

	w, err := dynamic.New(filepath.Join(e.dir, name), e.fileMode)
	if err != nil {
		return 0, fmt.Errorf("environment: create dynamic writer: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	wid := e.nextWID
	e.nextWID++
	e.writers[wid] = &writerEntry{kind: writerDynamic, archiveName: name, dynamicW: w}
	return wid, nil
}

// CreateFixedWriter validates name and opens a new fixed index writer. If
// reuseCsum is non-nil, it must match the previous snapshot's matching
// archive's stored checksum; the new writer is then created in incremental
// mode, cloning slot contents from the previous index bytes.
func (e *Environment) CreateFixedWriter(name string, size, chunkSize uint64, reuseCsum *[32]byte) (int, error) {
	if !strings.HasSuffix(name, ".fidx") {
		return 0, ErrBadName
	}

	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if _, used := e.usedNames[name]; used {
		e.mu.Unlock()
		return 0, ErrNameInUse
	}
	e.usedNames[name] = struct{}{}
	e.mu.Unlock()

	var w *fixed.Writer
	var err error
	if reuseCsum == nil {
		w, err = fixed.New(filepath.Join(e.dir, name), size, chunkSize, e.fileMode)
	} else {
		w, err = e.createIncrementalFixedWriter(name, size, chunkSize, *reuseCsum)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.usedNames, name)
		e.mu.Unlock()
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	wid := e.nextWID
	e.nextWID++
	e.writers[wid] = &writerEntry{kind: writerFixed, archiveName: name, fixedW: w}
	return wid, nil
}

func (e *Environment) createIncrementalFixedWriter(name string, size, chunkSize uint64, reuseCsum [32]byte) (*fixed.Writer, error) {
	if e.prevManifest == nil || e.prevDir == "" {
		return nil, ErrNoPreviousBackup
	}
	entry, err := e.prevManifest.Entry(name)
	if err != nil {
		return nil, ErrNoPreviousBackup
	}
	if entry.Csum != fmt.Sprintf("%x", reuseCsum) {
		return nil, ErrCsumMismatch
	}
	prevBytes, err := os.ReadFile(filepath.Join(e.prevDir, name))
	if err != nil {
		return nil, fmt.Errorf("environment: read previous index %s: %w", name, err)
	}
	return fixed.NewIncremental(filepath.Join(e.dir, name), size, chunkSize, prevBytes, e.fileMode)
}

// AppendEntry is one (offset, digest) pair passed to DynamicAppend or
// FixedAppend.
type AppendEntry struct {
	Offset uint64
	Digest store.Digest
}

// DynamicAppend looks up each entry's digest size in the session map and
// appends it to the named dynamic writer.
func (e *Environment) DynamicAppend(wid int, entries []AppendEntry) error {
	w, err := e.dynamicWriterFor(wid)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		size, found := e.LookupChunk(ent.Digest)
		if !found {
			return ErrUnknownChunk
		}
		if err := w.Append(ent.Offset, size, [32]byte(ent.Digest)); err != nil {
			return err
		}
	}
	return nil
}

// FixedAppend looks up each entry's digest size in the session map and
// appends it to the named fixed writer.
func (e *Environment) FixedAppend(wid int, entries []AppendEntry) error {
	w, err := e.fixedWriterFor(wid)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		size, found := e.LookupChunk(ent.Digest)
		if !found {
			return ErrUnknownChunk
		}
		if err := w.Append(ent.Offset, size, [32]byte(ent.Digest)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) dynamicWriterFor(wid int) (*dynamic.Writer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	entry, ok := e.writers[wid]
	if !ok {
		return nil, ErrUnknownWriter
	}
	if entry.kind != writerDynamic {
		return nil, ErrWrongWriterKind
	}
	return entry.dynamicW, nil
}

func (e *Environment) fixedWriterFor(wid int) (*fixed.Writer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	entry, ok := e.writers[wid]
	if !ok {
		return nil, ErrUnknownWriter
	}
	if entry.kind != writerFixed {
		return nil, ErrWrongWriterKind
	}
	return entry.fixedW, nil
}

// DynamicClose verifies totals and atomically finalizes the dynamic index,
// then removes the writer from the session's open-writer map.
func (e *Environment) DynamicClose(wid int, chunkCount, size uint64, csum [32]byte) error {
	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return err
	}
	entry, ok := e.writers[wid]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownWriter
	}
	if entry.kind != writerDynamic {
		e.mu.Unlock()
		return ErrWrongWriterKind
	}
	e.mu.Unlock()

	if err := entry.dynamicW.Close(chunkCount, size, csum); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.writers, wid)
	e.closedArchives = append(e.closedArchives, manifest.FileEntry{
		ArchiveName: entry.archiveName,
		Size:        size,
		Csum:        fmt.Sprintf("%x", csum),
	})
	return nil
}

// FixedClose verifies totals (unless the writer is in incremental mode, in
// which case totals are ignored — see internal/index/fixed) and atomically
// finalizes the fixed index.
func (e *Environment) FixedClose(wid int, chunkCount, size uint64, csum [32]byte) error {
	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return err
	}
	entry, ok := e.writers[wid]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownWriter
	}
	if entry.kind != writerFixed {
		e.mu.Unlock()
		return ErrWrongWriterKind
	}
	e.mu.Unlock()

	if err := entry.fixedW.Close(chunkCount, size, csum); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.writers, wid)
	e.closedArchives = append(e.closedArchives, manifest.FileEntry{
		ArchiveName: entry.archiveName,
		Size:        size,
		Csum:        fmt.Sprintf("%x", csum),
	})
	return nil
}

// Finish requires every registered writer to be closed and at least one
// index present, then writes the manifest and moves the session to
// FINISHED.
func (e *Environment) Finish(signature string) error {
	e.mu.Lock()
	if err := e.requireOpen(); err != nil {
		e.mu.Unlock()
		return err
	}
	if len(e.writers) > 0 {
		e.mu.Unlock()
		return ErrWritersOpen
	}
	hasIndex := false
	for _, f := range e.closedArchives {
		if strings.HasSuffix(f.ArchiveName, ".didx") || strings.HasSuffix(f.ArchiveName, ".fidx") {
			hasIndex = true
			break
		}
	}
	if !hasIndex {
		e.mu.Unlock()
		return ErrEmpty
	}
	m := manifest.New()
	m.Files = append(m.Files, e.closedArchives...)
	m.Signature = signature
	e.mu.Unlock()

	blob, err := m.Encode()
	if err != nil {
		return fmt.Errorf("environment: encode manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(e.dir, manifest.FileName), blob, e.fileMode); err != nil {
		return fmt.Errorf("environment: write manifest: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateFinished
	return nil
}

// RemoveBackup recursively deletes the snapshot directory and moves the
// session to REMOVED. Idempotent.
func (e *Environment) RemoveBackup() error {
	e.mu.Lock()
	e.state = StateRemoved
	dir := e.dir
	e.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("environment: remove %s: %w", dir, err)
	}
	return nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// chunkMaxSize mirrors chunkfmt.MaxPayloadSize for the encoded (not decoded)
// size; an encoded chunk can exceed the plaintext bound slightly only when
// encrypted (IV+tag overhead), so a generous ceiling is used here instead of
// importing chunkfmt's plaintext-only constant.
const chunkMaxSize = 16*1024*1024 + 64
