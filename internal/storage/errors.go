package storage

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrBucketNotEmpty      = errors.New("bucket not empty")
	ErrObjectNotFound      = errors.New("object not found")
	ErrInvalidKey          = errors.New("invalid object key")
	ErrUploadNotFound      = errors.New("upload not found")
	ErrInvalidPart         = errors.New("invalid part")
	ErrInvalidPartOrder    = errors.New("invalid part order")
	ErrInvalidRange        = errors.New("invalid range")
	ErrUnknownFault        = errors.New("unknown fault mode")
	ErrIntegrity           = errors.New("data integrity check failed")
)

// IntegrityError reports a stored block whose checksum no longer matches.
type IntegrityError struct {
	Bucket string
	Key    string
	Offset int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data integrity check failed: %s/%s block at offset %d", e.Bucket, e.Key, e.Offset)
}

// Is implements errors.Is for IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
