// Package storage provides the object store behind the sandbox target.
//
// Data is written in BlockSize blocks, each recorded with the CRC64NVME of the
// bytes as they arrived. Reads re-check every block they touch, so damage done
// to the data after it was accepted surfaces as an IntegrityError instead of
// wrong bytes.
package storage

import (
	"context"
	"io"
	"time"
)

// Bucket is a named container of objects.
type Bucket struct {
	Name         string
	CreationDate time.Time
}

// Block is an integrity unit of stored data: the CRC64NVME of Length bytes at
// Offset, computed over the bytes as they were received.
type Block struct {
	Offset int64  `json:"o"`
	Length int64  `json:"l"`
	CRC    uint64 `json:"c"`
}

// Object is the metadata of a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
	Metadata     map[string]string
	Blocks       []Block
}

// ObjectData is an object opened for reading. Body must be closed.
type ObjectData struct {
	Object
	Body io.ReadCloser
}

// ListObjectsInput selects a page of a bucket listing.
type ListObjectsInput struct {
	Bucket            string
	Prefix            string
	Delimiter         string
	MaxKeys           int32
	ContinuationToken string
	StartAfter        string
}

// ListObjectsOutput is one page of a bucket listing.
type ListObjectsOutput struct {
	Objects               []Object
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
	KeyCount              int32
}

// MultipartUpload is an upload that was initiated and neither completed nor
// aborted.
type MultipartUpload struct {
	UploadID    string
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
	Initiated   time.Time
}

// Part is one stored part of a multipart upload.
type Part struct {
	PartNumber   int32
	Size         int64
	ETag         string
	LastModified time.Time
	Blocks       []Block
}

// ListPartsInput selects a page of the parts of one upload.
type ListPartsInput struct {
	Bucket           string
	Key              string
	UploadID         string
	MaxParts         int32
	PartNumberMarker int32
}

// ListPartsOutput is one page of parts.
type ListPartsOutput struct {
	Parts                []Part
	IsTruncated          bool
	NextPartNumberMarker int32
}

// ListMultipartUploadsInput selects a page of pending uploads in a bucket.
type ListMultipartUploadsInput struct {
	Bucket         string
	Prefix         string
	MaxUploads     int32
	KeyMarker      string
	UploadIdMarker string
}

// ListMultipartUploadsOutput is one page of pending uploads.
type ListMultipartUploadsOutput struct {
	Uploads            []MultipartUpload
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIdMarker string
}

// DeletedObject names a key removed by DeleteObjects.
type DeletedObject struct {
	Key string
}

// DeleteError is a key DeleteObjects could not remove.
type DeleteError struct {
	Key     string
	Code    string
	Message string
}

// BucketStore manages buckets.
type BucketStore interface {
	CreateBucket(ctx context.Context, name string) error
	DeleteBucket(ctx context.Context, name string) error
	HeadBucket(ctx context.Context, name string) (*Bucket, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)
}

// ObjectStore reads and writes whole objects. Reads fail with an
// IntegrityError when a block no longer matches its checksum.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (*Object, error)
	GetObject(ctx context.Context, bucket, key string) (*ObjectData, error)
	GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (*ObjectData, error)
	HeadObject(ctx context.Context, bucket, key string) (*Object, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeletedObject, []DeleteError, error)
	ListObjectsV2(ctx context.Context, input *ListObjectsInput) (*ListObjectsOutput, error)
}

// MultipartStore runs the multipart upload lifecycle.
type MultipartStore interface {
	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (*MultipartUpload, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.Reader, size int64) (*Part, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*Object, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListParts(ctx context.Context, input *ListPartsInput) (*ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, input *ListMultipartUploadsInput) (*ListMultipartUploadsOutput, error)
}

// FaultSwitch toggles simulated failure modes. Switches are process wide and
// only affect data written while they are on.
type FaultSwitch interface {
	SetFault(mode string, enabled bool) error
	Fault(mode string) (bool, error)
}

// Storage is everything the sandbox serves.
type Storage interface {
	BucketStore
	ObjectStore
	MultipartStore
	FaultSwitch
	io.Closer
}
