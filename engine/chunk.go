package engine

import "fmt"

// ChunkDescriptor identifies one contiguous byte range of a source file.
// Chunks are the unit of transfer and of resumability: each one is read,
// checksummed and committed independently of the others.
type ChunkDescriptor struct {
	// Index is the 0-based position of the chunk, ordered by offset.
	Index int `json:"index"`

	// Offset is the byte offset of the chunk within the source file.
	Offset int64 `json:"offset"`

	// Length is the chunk size in bytes. Only the final chunk may be
	// shorter than the configured chunk size.
	Length int64 `json:"length"`

	// Checksum is the CRC64 of the chunk payload. Zero until the chunk has
	// been read; set once and never mutated afterwards.
	Checksum uint64 `json:"checksum,omitempty"`

	// Committed reports whether the destination has durably acknowledged
	// the chunk. Transitions false to true exactly once.
	Committed bool `json:"committed"`
}

// PlanChunks partitions [0, fileSize) into an ordered sequence of chunks of
// chunkSize bytes, the last possibly shorter. The plan is a pure function of
// its inputs: a resumed session regenerates exactly the boundaries of the
// original session. Every file plans to at least one chunk, so a zero-byte
// file yields a single zero-length chunk.
func PlanChunks(fileSize, chunkSize int64) ([]ChunkDescriptor, error) {
	if chunkSize <= 0 {
		return nil, &InvalidConfigError{Reason: fmt.Sprintf("chunk size must be positive, got %d", chunkSize)}
	}
	if fileSize < 0 {
		return nil, &InvalidConfigError{Reason: fmt.Sprintf("file size must be non-negative, got %d", fileSize)}
	}

	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 || fileSize == 0 {
		n++
	}

	chunks := make([]ChunkDescriptor, 0, n)
	for i := int64(0); i < n; i++ {
		offset := i * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		chunks = append(chunks, ChunkDescriptor{
			Index:  int(i),
			Offset: offset,
			Length: length,
		})
	}
	return chunks, nil
}

// MissingChunks returns the indices of manifest entries that do not appear in
// the committed set, preserving manifest order.
func MissingChunks(manifest []ChunkDescriptor, committed map[int]uint64) []int {
	missing := make([]int, 0, len(manifest))
	for _, c := range manifest {
		if _, ok := committed[c.Index]; !ok {
			missing = append(missing, c.Index)
		}
	}
	return missing
}
