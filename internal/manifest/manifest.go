// Package manifest assembles and parses the small JSON document produced by
// Backup Environment.Finish: one entry per closed index writer and per
// uploaded blob, plus an opaque client-computed signature the server stores
// but never interprets.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"backupcore/internal/chunkfmt"
)

// FileName is the name this manifest is stored under within a snapshot
// directory, matching the archive-name-extension convention the server
// applies to index/blob files.
const FileName = "index.json.blob"

// ErrArchiveNotFound is returned by Entry when no entry matches the given
// archive name.
var ErrArchiveNotFound = errors.New("manifest: archive not found")

// VerifyState mirrors the client-supplied, server-opaque verification
// outcome stored under Unprotected.VerifyState. It is read loosely (see
// ParseVerifyState) since the server must not fail to parse a manifest it
// does not own the schema of.
type VerifyState string

const (
	VerifyOK     VerifyState = "ok"
	VerifyFailed VerifyState = "failed"
)

// FileEntry describes one closed writer's output or one uploaded blob.
type FileEntry struct {
	ArchiveName string `json:"archive_name"`
	Size        uint64 `json:"size"`
	Csum        string `json:"csum"` // hex: digest-list checksum for an index, SHA-256 of the encoded bytes for a blob
}

// Unprotected carries fields the server stores but does not authenticate or
// interpret beyond the loose verify-state read described in §9.
type Unprotected struct {
	VerifyState string `json:"verify_state,omitempty"`
}

// UnmarshalJSON reads verify_state only when it is a JSON string; any other
// shape, or an unprotected section that is not an object, leaves VerifyState
// empty instead of failing the whole manifest.
func (u *Unprotected) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw["verify_state"], &s); err == nil {
		u.VerifyState = s
	}
	return nil
}

// Manifest is the document written to FileName by Finish.
type Manifest struct {
	Files       []FileEntry `json:"files"`
	Unprotected Unprotected `json:"unprotected,omitempty"`
	// Signature is computed by the client over the protected section and
	// passed through verbatim; the server neither computes nor checks it.
	Signature string `json:"signature,omitempty"`
}

// New builds an empty manifest.
func New() *Manifest {
	return &Manifest{}
}

// AddFile appends one closed writer's entry.
func (m *Manifest) AddFile(archiveName string, size uint64, csum [32]byte) {
	m.Files = append(m.Files, FileEntry{
		ArchiveName: archiveName,
		Size:        size,
		Csum:        fmt.Sprintf("%x", csum),
	})
}

// Entry returns the entry for archiveName, or ErrArchiveNotFound.
func (m *Manifest) Entry(archiveName string) (FileEntry, error) {
	for _, f := range m.Files {
		if f.ArchiveName == archiveName {
			return f, nil
		}
	}
	return FileEntry{}, ErrArchiveNotFound
}

// Encode serializes the manifest to JSON and wraps it as a compressed,
// unencrypted blob via internal/chunkfmt, ready to be written under FileName.
func (m *Manifest) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	return chunkfmt.Encode(chunkfmt.KindBlob, body, nil, true)
}

// Decode reverses Encode.
func Decode(blob []byte) (*Manifest, error) {
	body, err := chunkfmt.Decode(chunkfmt.KindBlob, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode blob: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	return &m, nil
}

// ParseVerifyState decodes the manifest's unprotected verify_state field
// loosely: Ok or an absent/unparseable field is usable, Failed is not — per
// the legacy-compatible behavior the backup server implements when deciding
// whether a previous snapshot may be used as an incremental base.
func ParseVerifyState(m *Manifest) (usable bool) {
	switch VerifyState(m.Unprotected.VerifyState) {
	case VerifyFailed:
		return false
	default:
		return true
	}
}
