package pipeline

import (
	"bytes"
	"testing"
)

func TestRingBufferWriteRead(t *testing.T) {
	r := NewRingBuffer(8)
	if err := r.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if r.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", r.Len())
	}

	got := r.Read(2)
	if !bytes.Equal(got, []byte("ab")) {
		t.Fatalf("Read(2) = %q, want %q", got, "ab")
	}

	if err := r.Write([]byte("efgh")); err != nil {
		t.Fatalf("Write after wraparound: %v", err)
	}
	rest := r.ReadAll()
	if !bytes.Equal(rest, []byte("cdefgh")) {
		t.Fatalf("ReadAll() = %q, want %q", rest, "cdefgh")
	}
}

func TestRingBufferFullReturnsError(t *testing.T) {
	r := NewRingBuffer(4)
	if err := r.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write([]byte("x")); err != ErrRingBufferFull {
		t.Fatalf("Write on full buffer = %v, want ErrRingBufferFull", err)
	}
}
