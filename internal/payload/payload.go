// Package payload creates the local files that durability scenarios upload.
package payload

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kumasuke/dura/internal/checksum"
)

// Pattern describes the content written into a payload.
type Pattern string

const (
	// UniformRandom fills the whole file with random bytes.
	UniformRandom Pattern = "uniform-random"
	// Corrupted is random content whose first byte is CorruptMarker.
	Corrupted Pattern = "corrupted"
)

// CorruptMarker is the first byte of a corrupted payload. Targets with data
// corruption enabled damage blocks that start with it.
const CorruptMarker byte = 'z'

const blockSize = 1 << 20

// ParsePattern maps a configuration string onto a Pattern.
func ParsePattern(s string) (Pattern, error) {
	switch Pattern(strings.ToLower(strings.TrimSpace(s))) {
	case "", UniformRandom, "random", "clean":
		return UniformRandom, nil
	case Corrupted, "corrupt":
		return Corrupted, nil
	}
	return "", fmt.Errorf("unknown payload pattern %q", s)
}

// IOError reports a local filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Payload is a generated file on local disk.
type Payload struct {
	Path    string
	Size    int64
	Pattern Pattern

	verifier *checksum.Verifier
	once     sync.Once
	digest   checksum.Digest
	err      error
}

// Checksum returns the digest of the file, computing it on first use.
func (p *Payload) Checksum() (checksum.Digest, error) {
	p.once.Do(func() {
		v := p.verifier
		if v == nil {
			v = checksum.Default()
		}
		p.digest, p.err = v.File(p.Path)
	})
	return p.digest, p.err
}

// Open opens the payload for reading. The returned file supports ReadAt, so
// concurrent part readers can share it through io.SectionReader.
func (p *Payload) Open() (*os.File, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: p.Path, Err: err}
	}
	return f, nil
}

// Remove deletes the payload file. Removing an already deleted payload is not an error.
func (p *Payload) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: p.Path, Err: err}
	}
	return nil
}

// Generator writes payload files into a working directory.
type Generator struct {
	dir      string
	verifier *checksum.Verifier

	seeded bool
	seed   uint64
	files  atomic.Uint64
}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator(dir string, verifier *checksum.Verifier) *Generator {
	return &Generator{dir: dir, verifier: verifier}
}

// NewSeededGenerator returns a Generator whose n-th payload is fully determined
// by seed and n.
func NewSeededGenerator(dir string, verifier *checksum.Verifier, seed uint64) *Generator {
	return &Generator{dir: dir, verifier: verifier, seeded: true, seed: seed}
}

// Dir returns the working directory.
func (g *Generator) Dir() string {
	return g.dir
}

// TempPath returns a fresh, unused path inside the working directory.
func (g *Generator) TempPath(prefix string) string {
	return filepath.Join(g.dir, prefix+"-"+uuid.NewString())
}

func (g *Generator) source() io.Reader {
	if !g.seeded {
		return rand.Reader
	}
	var key [32]byte
	binary.LittleEndian.PutUint64(key[0:8], g.seed)
	binary.LittleEndian.PutUint64(key[8:16], g.files.Add(1))
	return mrand.NewChaCha8(key)
}

// Generate writes one file of size bytes with the given content pattern.
func (g *Generator) Generate(ctx context.Context, size int64, pattern Pattern) (*Payload, error) {
	if size <= 0 {
		return nil, fmt.Errorf("payload size must be positive, got %d", size)
	}
	if pattern != UniformRandom && pattern != Corrupted {
		return nil, fmt.Errorf("unknown payload pattern %q", pattern)
	}

	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: g.dir, Err: err}
	}

	path := g.TempPath(string(pattern)) + ".bin"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &IOError{Op: "create", Path: path, Err: err}
	}

	if err := fill(ctx, f, g.source(), size, pattern); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &IOError{Op: "close", Path: path, Err: err}
	}

	return &Payload{
		Path:     path,
		Size:     size,
		Pattern:  pattern,
		verifier: g.verifier,
	}, nil
}

func fill(ctx context.Context, f *os.File, src io.Reader, size int64, pattern Pattern) error {
	buf := make([]byte, blockSize)
	var written int64
	for written < size {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := int64(len(buf))
		if rem := size - written; rem < n {
			n = rem
		}
		block := buf[:n]
		if _, err := io.ReadFull(src, block); err != nil {
			return &IOError{Op: "read random source", Path: f.Name(), Err: err}
		}
		if written == 0 && pattern == Corrupted {
			block[0] = CorruptMarker
		} else if written == 0 && block[0] == CorruptMarker {
			// a clean payload must never look corrupted to the target
			block[0] ^= 0xff
		}
		if _, err := f.Write(block); err != nil {
			return &IOError{Op: "write", Path: f.Name(), Err: err}
		}
		written += n
	}
	return nil
}
