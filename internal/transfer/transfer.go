// Package transfer moves payloads to and from an S3-compatible store, either
// through the AWS SDK (with an explicit multipart lifecycle) or through an
// external command line client.
package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/payload"
)

// Driver is a transport capable of uploading a payload and reading it back.
type Driver interface {
	Name() string
	Upload(ctx context.Context, req UploadRequest) (*TransferResult, error)
	Download(ctx context.Context, bucket, key, dest string) (*TransferResult, error)
}

// UploadRequest describes one payload upload.
type UploadRequest struct {
	Bucket  string
	Key     string
	Payload *payload.Payload
	// Parts is the number of multipart parts. Drivers that choose their own
	// chunking ignore it.
	Parts int
}

// Part is one acknowledged multipart part.
type Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// TransferResult is the outcome of a successful upload or download.
type TransferResult struct {
	Success   bool            `json:"success"`
	Transport string          `json:"transport"`
	Bucket    string          `json:"bucket"`
	Key       string          `json:"key"`
	Path      string          `json:"path"`
	Size      int64           `json:"size"`
	ETag      string          `json:"etag,omitempty"`
	Checksum  checksum.Digest `json:"checksum"`
	Multipart bool            `json:"multipart"`
	Parts     []Part          `json:"parts,omitempty"`
}

// State is the lifecycle position of a multipart upload.
type State string

const (
	StateInitiated     State = "initiated"
	StatePartsUploaded State = "parts-uploaded"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Upload tracks one multipart upload and the parts acknowledged for it.
type Upload struct {
	ID     string
	Bucket string
	Key    string

	mu    sync.Mutex
	state State
	parts map[int32]Part
}

func newUpload(id, bucket, key string) *Upload {
	return &Upload{
		ID:     id,
		Bucket: bucket,
		Key:    key,
		state:  StateInitiated,
		parts:  make(map[int32]Part),
	}
}

// State returns the current lifecycle state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Parts returns the acknowledged parts ordered by part number.
func (u *Upload) Parts() []Part {
	u.mu.Lock()
	defer u.mu.Unlock()
	return sortedParts(u.parts)
}

func (u *Upload) open() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateInitiated || u.state == StatePartsUploaded
}

func (u *Upload) record(p Part) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.parts[p.Number] = p
	if u.state == StateInitiated {
		u.state = StatePartsUploaded
	}
}

func (u *Upload) setState(s State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = s
}

func sortedParts(m map[int32]Part) []Part {
	parts := make([]Part, 0, len(m))
	for _, p := range m {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Number < parts[j].Number
	})
	return parts
}
