package storage

import (
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/minio/crc64nvme"
)

// BlockSize is the integrity unit for stored data.
const BlockSize = 1 << 20

// FaultDataCorruption corrupts written data whose first byte is
// CorruptionMarker.
const FaultDataCorruption = "data-corruption"

// CorruptionMarker is the leading byte that makes an object or part eligible
// for write corruption.
const CorruptionMarker byte = 'z'

// Faults holds the fault switches of a store.
type Faults struct {
	mu      sync.RWMutex
	enabled map[string]bool
}

// NewFaults returns a switch set with every known mode disabled.
func NewFaults() *Faults {
	return &Faults{enabled: map[string]bool{FaultDataCorruption: false}}
}

// Set turns mode on or off.
func (f *Faults) Set(mode string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enabled[mode]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFault, mode)
	}
	f.enabled[mode] = on
	return nil
}

// Get reports whether mode is on.
func (f *Faults) Get(mode string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	on, ok := f.enabled[mode]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFault, mode)
	}
	return on, nil
}

var blockPool = sync.Pool{
	New: func() any {
		b := make([]byte, BlockSize)
		return &b
	},
}

// writeBlocks copies src to dst in BlockSize blocks, returning the byte count,
// the MD5 of the received data and one Block per chunk. When corrupt is set and
// the stream starts with CorruptionMarker, that byte is flipped on its way to
// dst after its block checksum was taken.
func writeBlocks(dst io.Writer, src io.Reader, corrupt bool) (int64, []byte, []Block, error) {
	bp := blockPool.Get().(*[]byte)
	defer blockPool.Put(bp)
	buf := *bp

	hash := md5.New()
	var written int64
	var blocks []Block
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			hash.Write(chunk)
			crc := crc64nvme.New()
			crc.Write(chunk)
			blocks = append(blocks, Block{Offset: written, Length: int64(n), CRC: crc.Sum64()})

			if corrupt && written == 0 && chunk[0] == CorruptionMarker {
				chunk[0] ^= 0xff
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return written, nil, nil, werr
			}
			written += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return written, nil, nil, err
		}
	}
	return written, hash.Sum(nil), blocks, nil
}

// shiftBlocks returns blocks moved by offset.
func shiftBlocks(blocks []Block, offset int64) []Block {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		b.Offset += offset
		out[i] = b
	}
	return out
}

// verifyBlocks re-reads every block overlapping [start, end] and compares its
// checksum with the recorded one.
func verifyBlocks(f *os.File, blocks []Block, start, end int64) (int64, bool, error) {
	bp := blockPool.Get().(*[]byte)
	defer blockPool.Put(bp)
	buf := *bp

	for _, b := range blocks {
		if b.Offset+b.Length <= start || b.Offset > end {
			continue
		}
		if b.Length > int64(len(buf)) {
			buf = make([]byte, b.Length)
		}
		chunk := buf[:b.Length]
		if _, err := f.ReadAt(chunk, b.Offset); err != nil {
			return b.Offset, false, err
		}
		crc := crc64nvme.New()
		crc.Write(chunk)
		if crc.Sum64() != b.CRC {
			return b.Offset, false, nil
		}
	}
	return 0, true, nil
}
