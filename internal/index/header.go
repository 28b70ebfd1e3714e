// Package index implements the shared header format and digest-list
// checksum used by both fixed- and dynamic-size chunk indices (see
// internal/index/fixed and internal/index/dynamic for the writers
// themselves).
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"backupcore/internal/chunkfmt"

	"github.com/google/uuid"
)

// reservedSize is the size of the trailing reserved region. Fixed indices
// use its first 16 bytes to carry (size, chunk_size); dynamic indices leave
// it zeroed.
const reservedSize = 4032

// HeaderSize is the fixed size of an index file's header:
// magic(8) || uuid(16) || ctime(8) || csum(32) || reserved(4032).
const HeaderSize = 8 + 16 + 8 + 32 + reservedSize

var ErrHeaderTooSmall = errors.New("index: header too small")

// Kind distinguishes a fixed-size index from a dynamic-size one; each uses a
// distinct magic number (chunkfmt.FixedIndexMagic / chunkfmt.DynamicIndexMagic).
type Kind int

const (
	KindFixed Kind = iota
	KindDynamic
)

// Header is the fixed-size prefix shared by both index file kinds.
type Header struct {
	Magic    [8]byte
	UUID     uuid.UUID
	Ctime    time.Time
	Csum     [32]byte
	Reserved [reservedSize]byte
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	copy(buf[8:24], h.UUID[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Ctime.Unix()))
	copy(buf[32:64], h.Csum[:])
	copy(buf[64:HeaderSize], h.Reserved[:])
	return buf
}

// DecodeHeader parses the fixed-size header prefix of buf.
func DecodeHeader(kind Kind, buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooSmall
	}
	var h Header
	copy(h.Magic[:], buf[0:8])
	wantMagic := chunkfmt.FixedIndexMagic
	if kind == KindDynamic {
		wantMagic = chunkfmt.DynamicIndexMagic
	}
	if h.Magic != wantMagic {
		return Header{}, ErrInvalidMagic
	}
	copy(h.UUID[:], buf[8:24])
	h.Ctime = time.Unix(int64(binary.LittleEndian.Uint64(buf[24:32])), 0)
	copy(h.Csum[:], buf[32:64])
	copy(h.Reserved[:], buf[64:HeaderSize])
	return h, nil
}

// PutFixedSizes encodes (size, chunkSize) into the first 16 bytes of a fixed
// index header's reserved region.
func PutFixedSizes(h *Header, size, chunkSize uint64) {
	binary.LittleEndian.PutUint64(h.Reserved[0:8], size)
	binary.LittleEndian.PutUint64(h.Reserved[8:16], chunkSize)
}

// FixedSizes decodes (size, chunkSize) from a fixed index header's reserved
// region.
func FixedSizes(h Header) (size, chunkSize uint64) {
	return binary.LittleEndian.Uint64(h.Reserved[0:8]), binary.LittleEndian.Uint64(h.Reserved[8:16])
}

// ErrInvalidMagic is returned when an index file's magic does not match the
// expected kind.
var ErrInvalidMagic = errors.New("index: invalid magic number")

// DigestListHasher maintains the running "digest-list checksum": a SHA-256
// hash fed each appended digest in order. Both writer kinds embed one.
type DigestListHasher struct {
	h hash256
}

type hash256 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

// NewDigestListHasher returns a fresh, empty hasher.
func NewDigestListHasher() *DigestListHasher {
	return &DigestListHasher{h: sha256.New()}
}

// Append feeds one more digest into the running checksum.
func (d *DigestListHasher) Append(digest [32]byte) {
	_, _ = d.h.Write(digest[:])
}

// Sum returns the checksum of all digests appended so far, without
// finalizing (safe to call repeatedly and keep appending afterward).
func (d *DigestListHasher) Sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}
