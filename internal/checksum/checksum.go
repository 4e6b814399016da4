// Package checksum computes and compares content digests of payload files.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/crc64nvme"
)

// Algorithm names a digest function.
type Algorithm string

// Supported algorithms.
const (
	MD5       Algorithm = "md5"
	SHA256    Algorithm = "sha256"
	XXHash64  Algorithm = "xxhash64"
	CRC64NVME Algorithm = "crc64nvme"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

const bufferSize = 1 << 20

// ParseAlgorithm maps a configuration string onto an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultAlgorithm, nil
	case MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	case XXHash64, "xxhash":
		return XXHash64, nil
	case CRC64NVME:
		return CRC64NVME, nil
	}
	return "", fmt.Errorf("unsupported checksum algorithm %q", s)
}

// Digest is the hex-encoded result of hashing a byte stream.
type Digest struct {
	Algorithm Algorithm `json:"algorithm"`
	Value     string    `json:"value"`
}

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return d.Value == ""
}

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Value
}

// ComputationError reports a read failure while hashing. It is never a mismatch.
type ComputationError struct {
	Path string
	Err  error
}

func (e *ComputationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checksum computation failed: %v", e.Err)
	}
	return fmt.Sprintf("checksum computation failed for %s: %v", e.Path, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// Verifier streams files through a digest function with bounded memory.
type Verifier struct {
	algorithm Algorithm
}

// New returns a Verifier for the given algorithm.
func New(algorithm Algorithm) (*Verifier, error) {
	parsed, err := ParseAlgorithm(string(algorithm))
	if err != nil {
		return nil, err
	}
	return &Verifier{algorithm: parsed}, nil
}

// Default returns a Verifier using DefaultAlgorithm.
func Default() *Verifier {
	return &Verifier{algorithm: DefaultAlgorithm}
}

// Algorithm returns the digest function used by v.
func (v *Verifier) Algorithm() Algorithm {
	return v.algorithm
}

func (v *Verifier) newHash() hash.Hash {
	switch v.algorithm {
	case MD5:
		return md5.New()
	case XXHash64:
		return xxhash.New()
	case CRC64NVME:
		return crc64nvme.New()
	default:
		return sha256.New()
	}
}

// File hashes the file at path.
func (v *Verifier) File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, &ComputationError{Path: path, Err: err}
	}
	defer f.Close()

	d, err := v.sum(f)
	if err != nil {
		return Digest{}, &ComputationError{Path: path, Err: err}
	}
	return d, nil
}

// Reader hashes everything read from r.
func (v *Verifier) Reader(r io.Reader) (Digest, error) {
	d, err := v.sum(r)
	if err != nil {
		return Digest{}, &ComputationError{Err: err}
	}
	return d, nil
}

func (v *Verifier) sum(r io.Reader) (Digest, error) {
	h := v.newHash()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Digest{}, err
	}
	return Digest{
		Algorithm: v.algorithm,
		Value:     hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Compare reports whether two digests were produced by the same algorithm over
// identical content. Zero digests never compare equal.
func Compare(a, b Digest) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	return a.Algorithm == b.Algorithm && a.Value == b.Value
}
