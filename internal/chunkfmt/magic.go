// Package chunkfmt implements the on-disk wire format shared by chunks and
// blobs: a magic-tagged, CRC-32-checked container that may additionally be
// zstd-compressed and/or AES-256-GCM-encrypted. Encode and Decode are pure
// functions with no I/O; callers are responsible for reading/writing the
// resulting bytes.
package chunkfmt

// Kind distinguishes a chunk (content-addressed, digest named by its
// plaintext) from a blob (an auxiliary document such as a manifest, named by
// the caller). Both share the same container format but use distinct magic
// numbers so a reader can tell them apart without external context.
type Kind int

const (
	KindChunk Kind = iota
	KindBlob
)

// headerSize is the size of the unencrypted prefix: magic(8) || crc32(4).
const headerSize = 8 + 4

// cryptHeaderSize is the size of the encrypted prefix: headerSize || iv(16) || tag(16).
const cryptHeaderSize = headerSize + 16 + 16

// MaxPayloadSize is the largest plaintext payload Encode will accept, per §4.1.
const MaxPayloadSize = 16 * 1024 * 1024

// Magic numbers identify the container variant. Each is the first 8 bytes of
// the SHA-256 digest of a fixed, versioned ASCII string; they are wire
// constants and must never change.
var (
	uncompressedChunkMagic = [8]byte{79, 127, 200, 4, 121, 74, 135, 239}
	encryptedChunkMagic    = [8]byte{8, 54, 114, 153, 70, 156, 26, 151}
	compressedChunkMagic   = [8]byte{191, 237, 46, 195, 108, 17, 228, 235}
	encCompChunkMagic      = [8]byte{9, 40, 53, 200, 37, 150, 90, 196}

	uncompressedBlobMagic = [8]byte{66, 171, 56, 7, 190, 131, 112, 161}
	compressedBlobMagic   = [8]byte{49, 185, 88, 66, 111, 182, 163, 127}
	encryptedBlobMagic    = [8]byte{123, 103, 133, 190, 34, 45, 76, 240}
	encCompBlobMagic      = [8]byte{230, 89, 27, 191, 11, 191, 216, 11}

	// FixedIndexMagic and DynamicIndexMagic tag index files (§6.2); kept
	// here since they're part of the same magic-number family.
	FixedIndexMagic   = [8]byte{47, 127, 65, 237, 145, 253, 15, 205}
	DynamicIndexMagic = [8]byte{28, 145, 78, 165, 25, 186, 179, 205}
)

type variant int

const (
	variantUncompressed variant = iota
	variantCompressed
	variantEncrypted
	variantEncCompressed
)

func magicFor(kind Kind, v variant) [8]byte {
	if kind == KindChunk {
		switch v {
		case variantUncompressed:
			return uncompressedChunkMagic
		case variantCompressed:
			return compressedChunkMagic
		case variantEncrypted:
			return encryptedChunkMagic
		default:
			return encCompChunkMagic
		}
	}
	switch v {
	case variantUncompressed:
		return uncompressedBlobMagic
	case variantCompressed:
		return compressedBlobMagic
	case variantEncrypted:
		return encryptedBlobMagic
	default:
		return encCompBlobMagic
	}
}

func variantOf(kind Kind, magic [8]byte) (variant, bool) {
	if kind == KindChunk {
		switch magic {
		case uncompressedChunkMagic:
			return variantUncompressed, true
		case compressedChunkMagic:
			return variantCompressed, true
		case encryptedChunkMagic:
			return variantEncrypted, true
		case encCompChunkMagic:
			return variantEncCompressed, true
		}
		return 0, false
	}
	switch magic {
	case uncompressedBlobMagic:
		return variantUncompressed, true
	case compressedBlobMagic:
		return variantCompressed, true
	case encryptedBlobMagic:
		return variantEncrypted, true
	case encCompBlobMagic:
		return variantEncCompressed, true
	}
	return 0, false
}
