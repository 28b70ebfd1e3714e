package chunkfmt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrInvalidMagic is returned when the leading 8 bytes do not match any
	// known container variant for the expected kind.
	ErrInvalidMagic = errors.New("chunkfmt: invalid magic number")
	// ErrCrcMismatch is returned when the stored CRC-32 does not match the
	// bytes following the header.
	ErrCrcMismatch = errors.New("chunkfmt: crc mismatch")
	// ErrDecryptFailure is returned when AEAD authentication fails.
	ErrDecryptFailure = errors.New("chunkfmt: decryption failed")
	// ErrMissingKey is returned when decoding an encrypted container without
	// a CryptConfig.
	ErrMissingKey = errors.New("chunkfmt: missing key for encrypted data")
	// ErrPayloadTooLarge is returned by Encode for payloads over MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("chunkfmt: payload exceeds maximum size")
	// ErrShortContainer is returned when the input is smaller than any valid header.
	ErrShortContainer = errors.New("chunkfmt: container too short")
)

// CryptConfig carries the AES-256 key used for chunk/blob encryption. A nil
// *CryptConfig means "no encryption key configured" throughout this package.
type CryptConfig struct {
	key [32]byte
}

// NewCryptConfig builds a CryptConfig from a 32-byte AES-256 key.
func NewCryptConfig(key [32]byte) *CryptConfig {
	return &CryptConfig{key: key}
}

func (c *CryptConfig) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, 16)
}

var sharedEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
var sharedDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// Encode wraps payload in the container format described in chunkfmt's
// package doc. It tries compression when compress is true but falls back to
// storing the payload uncompressed if compression did not shrink it; it
// always encrypts when cfg is non-nil. Encode never mutates payload.
func Encode(kind Kind, payload []byte, cfg *CryptConfig, compress bool) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	body := payload
	compressed := false
	if compress {
		c := sharedEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(c) < len(payload) {
			body = c
			compressed = true
		}
	}

	if cfg == nil {
		v := variantUncompressed
		if compressed {
			v = variantCompressed
		}
		return encodePlain(kind, v, body), nil
	}

	v := variantEncrypted
	if compressed {
		v = variantEncCompressed
	}
	return encodeEncrypted(kind, v, body, cfg)
}

func encodePlain(kind Kind, v variant, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	magic := magicFor(kind, v)
	copy(out[0:8], magic[:])
	copy(out[headerSize:], body)
	crc := crc32.ChecksumIEEE(out[headerSize:])
	binary.LittleEndian.PutUint32(out[8:12], crc)
	return out
}

func encodeEncrypted(kind Kind, v variant, body []byte, cfg *CryptConfig) ([]byte, error) {
	aead, err := cfg.gcm()
	if err != nil {
		return nil, fmt.Errorf("chunkfmt: init aead: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("chunkfmt: generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, body, nil)
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]

	out := make([]byte, cryptHeaderSize+len(ciphertext))
	magic := magicFor(kind, v)
	copy(out[0:8], magic[:])
	copy(out[headerSize:headerSize+16], iv)
	copy(out[headerSize+16:cryptHeaderSize], tag)
	copy(out[cryptHeaderSize:], ciphertext)

	crc := crc32.ChecksumIEEE(out[headerSize:])
	binary.LittleEndian.PutUint32(out[8:12], crc)
	return out, nil
}

// Decode reverses Encode, returning the original payload. It fails with
// ErrInvalidMagic, ErrCrcMismatch, ErrDecryptFailure, or ErrMissingKey.
func Decode(kind Kind, data []byte, cfg *CryptConfig) ([]byte, error) {
	if len(data) < headerSize {
		return nil, ErrShortContainer
	}
	var magic [8]byte
	copy(magic[:], data[0:8])
	v, ok := variantOf(kind, magic)
	if !ok {
		return nil, ErrInvalidMagic
	}

	wantCrc := binary.LittleEndian.Uint32(data[8:12])
	if crc32.ChecksumIEEE(data[headerSize:]) != wantCrc {
		return nil, ErrCrcMismatch
	}

	switch v {
	case variantUncompressed:
		return append([]byte(nil), data[headerSize:]...), nil
	case variantCompressed:
		return sharedDecoder.DecodeAll(data[headerSize:], make([]byte, 0, len(data)))
	case variantEncrypted, variantEncCompressed:
		if cfg == nil {
			return nil, ErrMissingKey
		}
		if len(data) < cryptHeaderSize {
			return nil, ErrShortContainer
		}
		iv := data[headerSize : headerSize+16]
		tag := data[headerSize+16 : cryptHeaderSize]
		ciphertext := data[cryptHeaderSize:]

		aead, err := cfg.gcm()
		if err != nil {
			return nil, fmt.Errorf("chunkfmt: init aead: %w", err)
		}
		sealed := append(append([]byte(nil), ciphertext...), tag...)
		plain, err := aead.Open(nil, iv, sealed, nil)
		if err != nil {
			return nil, ErrDecryptFailure
		}
		if v == variantEncCompressed {
			return sharedDecoder.DecodeAll(plain, make([]byte, 0, len(plain)))
		}
		return plain, nil
	}
	return nil, ErrInvalidMagic
}

// Crc extracts the stored CRC-32 field without verifying it.
func Crc(data []byte) (uint32, error) {
	if len(data) < headerSize {
		return 0, ErrShortContainer
	}
	return binary.LittleEndian.Uint32(data[8:12]), nil
}

// ComputeCrc recomputes the CRC-32 over the bytes following the header,
// regardless of what is currently stored there.
func ComputeCrc(data []byte) (uint32, error) {
	if len(data) < headerSize {
		return 0, ErrShortContainer
	}
	return crc32.ChecksumIEEE(data[headerSize:]), nil
}

// SetCrc overwrites the stored CRC-32 field in place.
func SetCrc(data []byte, crc uint32) error {
	if len(data) < headerSize {
		return ErrShortContainer
	}
	binary.LittleEndian.PutUint32(data[8:12], crc)
	return nil
}
