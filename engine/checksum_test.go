package engine

import (
	"bytes"
	"hash/crc64"
	"io"
	"testing"
)

func TestChecksum(t *testing.T) {
	data := []byte("hello world")

	want := crc64.Checksum(data, crc64.MakeTable(crc64.ISO))
	if got := Checksum(data); got != want {
		t.Errorf("Checksum = %d, want %d", got, want)
	}
}

func TestChecksumReader(t *testing.T) {
	data := []byte("hello world")

	cr := NewChecksumReader(bytes.NewReader(data))

	readData, err := io.ReadAll(cr)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(readData, data) {
		t.Errorf("Expected read data to match %q, got %q", data, readData)
	}

	if cr.Checksum() != Checksum(data) {
		t.Errorf("Streaming checksum %d does not match one-shot %d", cr.Checksum(), Checksum(data))
	}
	if cr.BytesRead() != int64(len(data)) {
		t.Errorf("Expected %d bytes read, got %d", len(data), cr.BytesRead())
	}
}

func TestChecksumPool(t *testing.T) {
	pool := NewChecksumPool()

	h1 := pool.Get()
	h1.Write([]byte("test"))
	checksum1 := h1.Sum64()

	pool.Put(h1)

	// After reset, should produce same checksum for same data
	h2 := pool.Get()
	h2.Write([]byte("test"))
	checksum2 := h2.Sum64()

	if checksum1 != checksum2 {
		t.Errorf("Expected same checksum after pool reuse: %d vs %d", checksum1, checksum2)
	}

	pool.Put(h2)
}

func TestVerifyChecksum(t *testing.T) {
	tests := []struct {
		name     string
		actual   uint64
		expected uint64
		want     bool
	}{
		{"matching", 12345, 12345, true},
		{"mismatch", 12345, 54321, false},
		{"zero", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifyChecksum(tt.actual, tt.expected)
			if got != tt.want {
				t.Errorf("VerifyChecksum(%d, %d) = %v, want %v", tt.actual, tt.expected, got, tt.want)
			}
		})
	}
}
