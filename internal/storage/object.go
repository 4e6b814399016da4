package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxListKeys caps one ListObjectsV2 page.
const maxListKeys = 1000

// PutObject implements ObjectStore. The object replaces any earlier one under
// the same key.
func (fs *FileSystem) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (*Object, error) {
	if err := fs.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	path, err := fs.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	n, sum, blocks, err := fs.storeFile(path, body)
	if err != nil {
		return nil, err
	}
	if size >= 0 && n != size {
		log.Debug().Str("bucket", bucket).Str("key", key).Int64("declared", size).Int64("received", n).Msg("Object size differs from declared length")
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	obj := &Object{
		Key:          key,
		Size:         n,
		LastModified: time.Now(),
		ETag:         hex.EncodeToString(sum),
		ContentType:  contentType,
		Metadata:     metadata,
		Blocks:       blocks,
	}
	if err := fs.metadata.PutObject(ctx, bucket, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// HeadObject implements ObjectStore.
func (fs *FileSystem) HeadObject(ctx context.Context, bucket, key string) (*Object, error) {
	if err := fs.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	obj, err := fs.metadata.GetObject(ctx, bucket, key)
	switch {
	case err != nil:
		return nil, err
	case obj == nil:
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// GetObject opens a whole object after verifying all of its blocks.
func (fs *FileSystem) GetObject(ctx context.Context, bucket, key string) (*ObjectData, error) {
	obj, err := fs.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return fs.open(bucket, obj, 0, obj.Size-1)
}

// GetObjectRange opens bytes start through end inclusive. Only the blocks the
// range overlaps are verified.
func (fs *FileSystem) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) (*ObjectData, error) {
	obj, err := fs.HeadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > end || end >= obj.Size {
		return nil, ErrInvalidRange
	}
	return fs.open(bucket, obj, start, end)
}

// open verifies [start, end] of obj and returns a reader over it. An empty
// object is opened with end == start-1.
func (fs *FileSystem) open(bucket string, obj *Object, start, end int64) (*ObjectData, error) {
	path, err := fs.objectPath(bucket, obj.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open object file: %w", err)
	}

	if end >= start {
		offset, ok, err := verifyBlocks(f, obj.Blocks, start, end)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to verify object: %w", err)
		}
		if !ok {
			f.Close()
			log.Warn().Str("bucket", bucket).Str("key", obj.Key).Int64("offset", offset).Msg("Block checksum mismatch")
			return nil, &IntegrityError{Bucket: bucket, Key: obj.Key, Offset: offset}
		}
	}

	length := end - start + 1
	data := &ObjectData{Object: *obj, Body: fileSection{io.NewSectionReader(f, start, length), f}}
	data.Size = length
	return data, nil
}

// fileSection reads part of a file and closes the file with it.
type fileSection struct {
	*io.SectionReader
	f *os.File
}

func (s fileSection) Close() error {
	return s.f.Close()
}

// DeleteObject implements ObjectStore. A missing key is not an error.
func (fs *FileSystem) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := fs.requireBucket(ctx, bucket); err != nil {
		return err
	}
	return fs.removeObject(ctx, bucket, key)
}

func (fs *FileSystem) removeObject(ctx context.Context, bucket, key string) error {
	path, err := fs.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove object file: %w", err)
	}
	return fs.metadata.DeleteObject(ctx, bucket, key)
}

// DeleteObjects removes each key independently and reports per-key failures.
// Missing keys are reported as deleted.
func (fs *FileSystem) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeletedObject, []DeleteError, error) {
	if err := fs.requireBucket(ctx, bucket); err != nil {
		return nil, nil, err
	}

	deleted := make([]DeletedObject, 0, len(keys))
	var failed []DeleteError
	for _, key := range keys {
		err := fs.removeObject(ctx, bucket, key)
		switch {
		case err == nil:
			deleted = append(deleted, DeletedObject{Key: key})
		case errors.Is(err, ErrInvalidKey):
			failed = append(failed, DeleteError{Key: key, Code: "InvalidArgument", Message: err.Error()})
		default:
			failed = append(failed, DeleteError{Key: key, Code: "InternalError", Message: err.Error()})
		}
	}
	return deleted, failed, nil
}

// ListObjectsV2 returns one page of keys after StartAfter, or after the
// continuation token when one is given. With a delimiter, keys sharing the
// part of their name up to the first delimiter after Prefix roll up into one
// common prefix, which counts once toward MaxKeys.
func (fs *FileSystem) ListObjectsV2(ctx context.Context, input *ListObjectsInput) (*ListObjectsOutput, error) {
	if err := fs.requireBucket(ctx, input.Bucket); err != nil {
		return nil, err
	}
	objects, err := fs.metadata.ListObjects(ctx, input.Bucket, input.Prefix)
	if err != nil {
		return nil, err
	}

	after := input.StartAfter
	if input.ContinuationToken != "" {
		after = input.ContinuationToken
	}
	limit := input.MaxKeys
	if limit <= 0 || limit > maxListKeys {
		limit = maxListKeys
	}

	out := &ListObjectsOutput{}
	rolled := make(map[string]bool)
	var last string
	for _, obj := range objects {
		if obj.Key <= after {
			continue
		}
		prefix := commonPrefix(obj.Key, input.Prefix, input.Delimiter)
		if prefix != "" && rolled[prefix] {
			last = obj.Key
			continue
		}
		if out.KeyCount == limit {
			out.IsTruncated = true
			out.NextContinuationToken = last
			break
		}

		if prefix != "" {
			rolled[prefix] = true
			out.CommonPrefixes = append(out.CommonPrefixes, prefix)
		} else {
			out.Objects = append(out.Objects, obj)
		}
		last = obj.Key
		out.KeyCount++
	}
	return out, nil
}

// commonPrefix returns the rolled-up prefix of key, or "" when key is listed
// on its own.
func commonPrefix(key, prefix, delimiter string) string {
	if delimiter == "" {
		return ""
	}
	rest := strings.TrimPrefix(key, prefix)
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return ""
	}
	return prefix + rest[:i+len(delimiter)]
}
