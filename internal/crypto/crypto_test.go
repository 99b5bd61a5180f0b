package crypto

import (
	"bytes"
	"testing"
)

func TestNaClCryptorRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	c := NewNaClCryptor(key)

	plaintext := []byte("hello, backup engine")
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ciphertext) != len(plaintext)+c.MetadataSize() {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+c.MetadataSize())
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestNaClCryptorWrongKeyFails(t *testing.T) {
	var key1, key2 [32]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(key2[:], []byte("fedcba9876543210fedcba9876543210"))

	ciphertext, err := NewNaClCryptor(key1).Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := NewNaClCryptor(key2).Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}

func TestNaClCryptorTamperedCiphertextFails(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	c := NewNaClCryptor(key)

	ciphertext, err := c.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := c.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decryption of tampered data to fail")
	}
}

func TestNoopCryptorPassesThrough(t *testing.T) {
	var c NoopCryptor
	data := []byte("passthrough")
	enc, _ := c.Encrypt(data)
	if !bytes.Equal(enc, data) {
		t.Fatalf("NoopCryptor.Encrypt modified data")
	}
	if c.MetadataSize() != 0 {
		t.Fatalf("NoopCryptor.MetadataSize() = %d, want 0", c.MetadataSize())
	}
}
