// Package crypto implements the backup engine's per-chunk authenticated
// encryption: a fixed 32-byte key, a random nonce per chunk, NaCl
// secretbox sealing.
package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/partvault/partvault/internal/errs"
)

// Cryptor is the backup engine's encryption contract: a fixed key,
// chunk-at-a-time authenticated encryption.
type Cryptor interface {
	// Encrypt seals data into a single opaque chunk.
	Encrypt(data []byte) ([]byte, error)
	// Decrypt opens a chunk sealed by Encrypt. Returns errs.BadKeyError
	// if the chunk was tampered with or sealed under a different key.
	Decrypt(data []byte) ([]byte, error)
	// MetadataSize returns the per-chunk overhead added by Encrypt, so
	// callers can size a decrypt buffer to exactly one ciphertext chunk.
	MetadataSize() int
}

const nonceSize = 24

// NaClCryptor seals each chunk with NaCl secretbox under a fixed 32-byte
// key and a fresh random nonce, prepending the nonce to the sealed box.
type NaClCryptor struct {
	key [32]byte
}

// NewNaClCryptor builds a NaClCryptor from a 32-byte key.
func NewNaClCryptor(key [32]byte) *NaClCryptor {
	return &NaClCryptor{key: key}
}

// Encrypt prepends a fresh random nonce to the secretbox-sealed chunk.
func (c *NaClCryptor) Encrypt(data []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, nonceSize+len(data)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, data, &nonce, &c.key)
	return out, nil
}

// Decrypt opens a chunk sealed by Encrypt.
func (c *NaClCryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, &errs.BadKeyError{}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, &errs.BadKeyError{}
	}
	return out, nil
}

// MetadataSize returns the nonce plus secretbox authentication overhead.
func (c *NaClCryptor) MetadataSize() int {
	return nonceSize + secretbox.Overhead
}

// NoopCryptor passes data through unchanged. Used for
// encryption.type: none and in tests.
type NoopCryptor struct{}

func (NoopCryptor) Encrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopCryptor) Decrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopCryptor) MetadataSize() int                   { return 0 }

var (
	_ Cryptor = (*NaClCryptor)(nil)
	_ Cryptor = NoopCryptor{}
)
