package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CreateMultipartUpload starts an upload and reserves its parts directory.
func (fs *FileSystem) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (*MultipartUpload, error) {
	if err := fs.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if _, err := fs.objectPath(bucket, key); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	mu := &MultipartUpload{
		UploadID:    uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Metadata:    metadata,
		Initiated:   time.Now(),
	}
	dir := fs.partsDir(bucket, mu.UploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parts directory: %w", err)
	}
	if err := fs.metadata.CreateMultipartUpload(ctx, mu); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return mu, nil
}

// pending looks up an upload that must belong to bucket and key.
func (fs *FileSystem) pending(ctx context.Context, bucket, key, uploadID string) (*MultipartUpload, error) {
	mu, err := fs.metadata.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if mu == nil || mu.Bucket != bucket || mu.Key != key {
		return nil, ErrUploadNotFound
	}
	return mu, nil
}

func (fs *FileSystem) partPath(bucket, uploadID string, n int32) string {
	return filepath.Join(fs.partsDir(bucket, uploadID), strconv.Itoa(int(n)))
}

// UploadPart stores part n of a pending upload. Sending the same part number
// again replaces the earlier part.
func (fs *FileSystem) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body io.Reader, size int64) (*Part, error) {
	if _, err := fs.pending(ctx, bucket, key, uploadID); err != nil {
		return nil, err
	}

	path := fs.partPath(bucket, uploadID, partNumber)
	n, sum, blocks, err := fs.storeFile(path, body)
	if err != nil {
		return nil, err
	}
	if size >= 0 && n != size {
		log.Debug().Str("upload_id", uploadID).Int32("part", partNumber).Int64("declared", size).Int64("received", n).Msg("Part size differs from declared length")
	}

	part := &Part{
		PartNumber:   partNumber,
		Size:         n,
		ETag:         hex.EncodeToString(sum),
		LastModified: time.Now(),
		Blocks:       blocks,
	}
	if err := fs.metadata.PutPart(ctx, uploadID, part); err != nil {
		os.Remove(path)
		return nil, err
	}
	return part, nil
}

// CompleteMultipartUpload joins the listed parts into the final object. The
// list must be strictly ascending and every entry must name a stored part
// with a matching ETag; otherwise the upload is left untouched.
func (fs *FileSystem) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*Object, error) {
	mu, err := fs.pending(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	stored, err := fs.resolveParts(ctx, uploadID, parts)
	if err != nil {
		return nil, err
	}
	path, err := fs.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	size, blocks, etag, err := fs.assemble(path, bucket, uploadID, stored)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		Key:          key,
		Size:         size,
		LastModified: time.Now(),
		ETag:         etag,
		ContentType:  mu.ContentType,
		Metadata:     mu.Metadata,
		Blocks:       blocks,
	}
	if err := fs.metadata.PutObject(ctx, bucket, obj); err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := fs.metadata.DeleteMultipartUpload(ctx, uploadID); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("Failed to drop completed upload")
	}
	os.RemoveAll(fs.partsDir(bucket, uploadID))
	return obj, nil
}

func (fs *FileSystem) resolveParts(ctx context.Context, uploadID string, parts []Part) ([]*Part, error) {
	if len(parts) == 0 {
		return nil, ErrInvalidPart
	}
	stored := make([]*Part, 0, len(parts))
	var prev int32
	for _, p := range parts {
		if p.PartNumber <= prev {
			return nil, ErrInvalidPartOrder
		}
		prev = p.PartNumber

		sp, err := fs.metadata.GetPart(ctx, uploadID, p.PartNumber)
		if err != nil {
			return nil, err
		}
		if sp == nil || strings.Trim(p.ETag, `"`) != strings.Trim(sp.ETag, `"`) {
			return nil, ErrInvalidPart
		}
		stored = append(stored, sp)
	}
	return stored, nil
}

// assemble concatenates the part files into path. Part blocks carry over at
// their new offsets, so the object is verified against the checksums taken
// when each part arrived. The ETag is the MD5 of the part MD5s followed by
// the part count.
func (fs *FileSystem) assemble(path, bucket, uploadID string, parts []*Part) (int64, []Block, string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, nil, "", fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, nil, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	digests := md5.New()
	var size int64
	var blocks []Block
	for _, p := range parts {
		if err := appendFile(tmp, fs.partPath(bucket, uploadID, p.PartNumber)); err != nil {
			return 0, nil, "", fmt.Errorf("failed to copy part %d: %w", p.PartNumber, err)
		}
		blocks = append(blocks, shiftBlocks(p.Blocks, size)...)
		size += p.Size
		raw, _ := hex.DecodeString(p.ETag)
		digests.Write(raw)
	}

	if err := tmp.Close(); err != nil {
		return 0, nil, "", fmt.Errorf("failed to flush object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, nil, "", fmt.Errorf("failed to move object into place: %w", err)
	}
	return size, blocks, fmt.Sprintf("%x-%d", digests.Sum(nil), len(parts)), nil
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

// AbortMultipartUpload discards a pending upload and its parts.
func (fs *FileSystem) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := fs.pending(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	if err := os.RemoveAll(fs.partsDir(bucket, uploadID)); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("Failed to remove parts directory")
	}
	return fs.metadata.DeleteMultipartUpload(ctx, uploadID)
}

// ListParts implements MultipartStore.
func (fs *FileSystem) ListParts(ctx context.Context, input *ListPartsInput) (*ListPartsOutput, error) {
	if _, err := fs.pending(ctx, input.Bucket, input.Key, input.UploadID); err != nil {
		return nil, err
	}
	parts, truncated, next, err := fs.metadata.ListParts(ctx, input.UploadID, input.MaxParts, input.PartNumberMarker)
	if err != nil {
		return nil, err
	}
	return &ListPartsOutput{Parts: parts, IsTruncated: truncated, NextPartNumberMarker: next}, nil
}

// ListMultipartUploads implements MultipartStore.
func (fs *FileSystem) ListMultipartUploads(ctx context.Context, input *ListMultipartUploadsInput) (*ListMultipartUploadsOutput, error) {
	if err := fs.requireBucket(ctx, input.Bucket); err != nil {
		return nil, err
	}
	uploads, truncated, nextKey, nextID, err := fs.metadata.ListMultipartUploadsByBucket(ctx,
		input.Bucket, input.Prefix, input.MaxUploads, input.KeyMarker, input.UploadIdMarker)
	if err != nil {
		return nil, err
	}
	return &ListMultipartUploadsOutput{
		Uploads:            uploads,
		IsTruncated:        truncated,
		NextKeyMarker:      nextKey,
		NextUploadIdMarker: nextID,
	}, nil
}
