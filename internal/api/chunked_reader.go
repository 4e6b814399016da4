package api

import (
	"bufio"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/crc64nvme"
)

var (
	// errChecksumMismatch is returned at the end of an aws-chunked body whose
	// trailing checksum does not match the decoded bytes.
	errChecksumMismatch = errors.New("trailing checksum mismatch")
	errTruncatedBody    = errors.New("aws-chunked body truncated")
	errMalformedChunk   = errors.New("malformed aws-chunked body")
)

// trailerHashes are the checksum trailers the sandbox verifies.
var trailerHashes = map[string]func() hash.Hash{
	"x-amz-checksum-crc32":     func() hash.Hash { return crc32.NewIEEE() },
	"x-amz-checksum-crc32c":    func() hash.Hash { return crc32.New(crc32.MakeTable(crc32.Castagnoli)) },
	"x-amz-checksum-crc64nvme": func() hash.Hash { return crc64nvme.New() },
	"x-amz-checksum-sha1":      sha1.New,
	"x-amz-checksum-sha256":    sha256.New,
}

// awsChunkedReader decodes an aws-chunked request body:
//
//	<hex-size>[;chunk-signature=<sig>]\r\n<data>\r\n
//	...
//	0[;chunk-signature=<sig>]\r\n
//	[<trailer>:<value>\r\n ...]
//	\r\n
//
// When the request announced a checksum trailer, the decoded bytes are hashed
// and compared with the trailer value once the body ends.
type awsChunkedReader struct {
	br      *bufio.Reader
	left    int64
	done    bool
	trailer string
	sum     hash.Hash
	// Trailer holds the trailing headers once the body was read to the end.
	Trailer http.Header
}

// newAWSChunkedReader wraps body. trailer is the x-amz-trailer request header.
func newAWSChunkedReader(body io.Reader, trailer string) *awsChunkedReader {
	cr := &awsChunkedReader{br: bufio.NewReader(body), Trailer: http.Header{}}
	name := strings.ToLower(strings.TrimSpace(trailer))
	if newHash, ok := trailerHashes[name]; ok {
		cr.trailer = name
		cr.sum = newHash()
	}
	return cr
}

func (cr *awsChunkedReader) Read(p []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}
	if cr.left == 0 {
		size, err := cr.chunkHeader()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			cr.done = true
			if err := cr.finish(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		cr.left = size
	}

	n, err := cr.br.Read(p[:min(int64(len(p)), cr.left)])
	if cr.sum != nil {
		cr.sum.Write(p[:n])
	}
	cr.left -= int64(n)

	if cr.left == 0 {
		if cerr := cr.crlf(); cerr != nil {
			return n, cerr
		}
	}
	if errors.Is(err, io.EOF) {
		return n, errTruncatedBody
	}
	return n, err
}

func (cr *awsChunkedReader) line() (string, error) {
	line, err := cr.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errTruncatedBody
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (cr *awsChunkedReader) chunkHeader() (int64, error) {
	line, err := cr.line()
	if err != nil {
		return 0, err
	}
	hexSize, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(hexSize), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: chunk header %q", errMalformedChunk, line)
	}
	return size, nil
}

func (cr *awsChunkedReader) crlf() error {
	line, err := cr.line()
	if err != nil {
		return err
	}
	if line != "" {
		return fmt.Errorf("%w: data after chunk", errMalformedChunk)
	}
	return nil
}

// finish consumes the trailer section and checks the announced checksum.
func (cr *awsChunkedReader) finish() error {
	for {
		line, err := cr.line()
		if errors.Is(err, errTruncatedBody) {
			// some clients omit the closing CRLF
			break
		}
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("%w: trailer %q", errMalformedChunk, line)
		}
		cr.Trailer.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if cr.sum == nil {
		return nil
	}
	want := cr.Trailer.Get(cr.trailer)
	if want == "" {
		return fmt.Errorf("%w: %s missing", errChecksumMismatch, cr.trailer)
	}
	if got := base64.StdEncoding.EncodeToString(cr.sum.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s is %s, body hashes to %s", errChecksumMismatch, cr.trailer, want, got)
	}
	return nil
}

// IsAWSChunked reports whether a request body uses aws-chunked encoding.
func IsAWSChunked(contentEncoding, contentSHA256 string) bool {
	return strings.Contains(contentEncoding, "aws-chunked") ||
		strings.HasPrefix(contentSHA256, "STREAMING-")
}
