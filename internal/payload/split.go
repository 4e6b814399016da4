package payload

import "fmt"

// MaxParts is the largest part count a multipart upload accepts.
const MaxParts = 10000

// Chunk maps a part number onto a byte range of the payload.
type Chunk struct {
	Number int32
	Offset int64
	Length int64
}

// Split divides size bytes into parts chunks numbered from 1. Every chunk is
// size/parts bytes long except the last, which also carries the remainder.
func Split(size int64, parts int) ([]Chunk, error) {
	if parts < 1 || parts > MaxParts {
		return nil, fmt.Errorf("part count %d out of range [1, %d]", parts, MaxParts)
	}
	if size < int64(parts) {
		return nil, fmt.Errorf("cannot split %d bytes into %d parts", size, parts)
	}

	base := size / int64(parts)
	chunks := make([]Chunk, parts)
	var off int64
	for i := range chunks {
		length := base
		if i == parts-1 {
			length = size - off
		}
		chunks[i] = Chunk{
			Number: int32(i + 1),
			Offset: off,
			Length: length,
		}
		off += length
	}
	return chunks, nil
}
