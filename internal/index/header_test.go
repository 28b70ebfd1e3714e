package index

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHeaderEncodeDecode(t *testing.T) {
	h := Header{
		Magic: [8]byte{47, 127, 65, 237, 145, 253, 15, 205},
		UUID:  uuid.New(),
		Ctime: time.Unix(1700000000, 0),
		Csum:  [32]byte{1, 2, 3},
	}
	PutFixedSizes(&h, 4096, 64)

	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("got encoded length %d, want %d", len(buf), HeaderSize)
	}

	decoded, err := DecodeHeader(KindFixed, buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.UUID != h.UUID {
		t.Fatalf("uuid mismatch: %v vs %v", decoded.UUID, h.UUID)
	}
	if !decoded.Ctime.Equal(h.Ctime) {
		t.Fatalf("ctime mismatch: %v vs %v", decoded.Ctime, h.Ctime)
	}
	if decoded.Csum != h.Csum {
		t.Fatal("csum mismatch")
	}
	size, chunkSize := FixedSizes(decoded)
	if size != 4096 || chunkSize != 64 {
		t.Fatalf("got size=%d chunkSize=%d, want 4096/64", size, chunkSize)
	}
}

func TestDecodeHeaderWrongKind(t *testing.T) {
	h := Header{Magic: [8]byte{47, 127, 65, 237, 145, 253, 15, 205}}
	buf := h.Encode()
	if _, err := DecodeHeader(KindDynamic, buf); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDigestListHasherOrderSensitive(t *testing.T) {
	var a, b [32]byte
	a[0] = 1
	b[0] = 2

	h1 := NewDigestListHasher()
	h1.Append(a)
	h1.Append(b)

	h2 := NewDigestListHasher()
	h2.Append(b)
	h2.Append(a)

	if h1.Sum() == h2.Sum() {
		t.Fatal("expected different checksums for different append order")
	}
}
