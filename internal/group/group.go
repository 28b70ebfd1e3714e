// Package group implements the group lock registry and previous-snapshot
// discovery: at most one concurrent backup session per (backup-type,
// backup-id) pair, and a shared lock on whichever prior snapshot a new
// session may reuse chunks from.
package group

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"backupcore/internal/lockfile"
	"backupcore/internal/manifest"
)

// ErrGroupLocked is returned by Open when another session already holds the
// group lock for this (backupType, backupID) pair.
var ErrGroupLocked = errors.New("group: already locked by another session")

// groupLockFileName is the on-disk backstop lock within a group directory.
const groupLockFileName = ".group.lock"

// Registry is the in-process fast path for group exclusivity: a map guarded
// by a mutex, checked before ever touching the filesystem so that a
// contending session fails promptly without an flock syscall round trip.
type Registry struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{locked: make(map[string]struct{})}
}

func groupKey(backupType, backupID string) string {
	return backupType + "/" + backupID
}

// Handle represents one session's hold on a group: the in-process claim plus
// the on-disk flock backstop, and (if found) the previous snapshot's shared
// lock and loaded manifest.
type Handle struct {
	registry     *Registry
	key          string
	diskLock     *lockfile.Lock
	PrevLock     *lockfile.Lock
	PrevDir      string
	PrevTime     int64
	PrevManifest *manifest.Manifest
}

// Open claims the group lock for (backupType, backupID) under groupDir (the
// directory holding all snapshots of this group, i.e.
// <datastore_root>/<backupType>/<backupID>), and locates the most recent
// usable previous snapshot, if any, taking a shared lock on it.
//
// "Usable" means the candidate's manifest reports a verify state other than
// Failed; an absent or unparseable verify state is treated as OK, for
// compatibility with legacy snapshots that predate verify-state tracking.
// Older candidates are tried in turn if a newer one turns out unusable.
func (r *Registry) Open(groupDir, backupType, backupID string) (*Handle, error) {
	key := groupKey(backupType, backupID)

	r.mu.Lock()
	if _, held := r.locked[key]; held {
		r.mu.Unlock()
		return nil, ErrGroupLocked
	}
	r.locked[key] = struct{}{}
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.locked, key)
		r.mu.Unlock()
	}

	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		release()
		return nil, fmt.Errorf("group: mkdir %s: %w", groupDir, err)
	}

	diskLock, err := lockfile.Acquire(filepath.Join(groupDir, groupLockFileName), lockfile.Exclusive, 0o644)
	if err != nil {
		release()
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, ErrGroupLocked
		}
		return nil, err
	}

	h := &Handle{registry: r, key: key, diskLock: diskLock}

	candidates, err := snapshotsDescending(groupDir)
	if err != nil {
		h.Close()
		return nil, err
	}

	// Walk candidates newest-first, skipping any whose manifest is
	// unreadable, whose verify-state is Failed, or that's locked elsewhere
	// (e.g. GC mid-delete), and take the first usable one.
	for _, c := range candidates {
		m, err := loadManifest(c.dir)
		if err != nil {
			continue
		}
		if !manifest.ParseVerifyState(m) {
			continue
		}
		prevLock, err := lockfile.Acquire(filepath.Join(c.dir, groupLockFileName+".prev"), lockfile.Shared, 0o644)
		if err != nil {
			continue
		}
		h.PrevLock = prevLock
		h.PrevDir = c.dir
		h.PrevTime = c.time
		h.PrevManifest = m
		break
	}

	return h, nil
}

// Close releases both the on-disk group lock and, if held, the previous
// snapshot's shared lock, then frees the in-process claim.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	var firstErr error
	if h.PrevLock != nil {
		if err := h.PrevLock.Close(); err != nil {
			firstErr = err
		}
		h.PrevLock = nil
	}
	if h.diskLock != nil {
		if err := h.diskLock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.diskLock = nil
	}
	if h.registry != nil {
		h.registry.mu.Lock()
		delete(h.registry.locked, h.key)
		h.registry.mu.Unlock()
	}
	return firstErr
}

// MostRecentBackupTime returns the backup-time of the most recent snapshot
// in groupDir, and whether one exists. Used by the dispatcher to reject
// backup-time regressions, independently of whether that snapshot is usable
// as an incremental base.
func MostRecentBackupTime(groupDir string) (t int64, ok bool, err error) {
	dir, t, err := mostRecentSnapshot(groupDir)
	if err != nil {
		return 0, false, err
	}
	return t, dir != "", nil
}

// snapshotCandidate is one snapshot directory found under a group directory.
type snapshotCandidate struct {
	dir  string
	time int64
}

// snapshotsDescending scans groupDir for snapshot directories (named by their
// backup-time) and returns them sorted newest-first.
func snapshotsDescending(groupDir string) ([]snapshotCandidate, error) {
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("group: read %s: %w", groupDir, err)
	}

	var candidates []snapshotCandidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, ok := parseSnapshotName(e.Name())
		if !ok {
			continue
		}
		candidates = append(candidates, snapshotCandidate{dir: filepath.Join(groupDir, e.Name()), time: t})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].time > candidates[j].time })
	return candidates, nil
}

// mostRecentSnapshot returns the single newest snapshot directory in
// groupDir regardless of usability, or ("", 0, nil) if none exist. Used by
// MostRecentBackupTime, which cares about time regression, not reuse
// eligibility.
func mostRecentSnapshot(groupDir string) (dir string, backupTime int64, err error) {
	candidates, err := snapshotsDescending(groupDir)
	if err != nil {
		return "", 0, err
	}
	if len(candidates) == 0 {
		return "", 0, nil
	}
	return candidates[0].dir, candidates[0].time, nil
}

func loadManifest(snapshotDir string) (*manifest.Manifest, error) {
	blob, err := os.ReadFile(filepath.Join(snapshotDir, manifest.FileName))
	if err != nil {
		return nil, err
	}
	return manifest.Decode(blob)
}
