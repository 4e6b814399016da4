package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileSystem(filepath.Join(dir, "data"), filepath.Join(dir, "meta", "dura.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func randomData(t *testing.T, n int, first byte) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	if len(data) > 0 {
		data[0] = first
	}
	return data
}

func readAll(t *testing.T, data *ObjectData) []byte {
	t.Helper()
	defer data.Body.Close()
	b, err := io.ReadAll(data.Body)
	require.NoError(t, err)
	return b
}

func TestBucketLifecycle(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.CreateBucket(ctx, "alpha"))
	assert.ErrorIs(t, fs.CreateBucket(ctx, "alpha"), ErrBucketAlreadyExists)

	b, err := fs.HeadBucket(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", b.Name)

	_, err = fs.PutObject(ctx, "alpha", "k", bytes.NewReader([]byte("x")), 1, "", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.DeleteBucket(ctx, "alpha"), ErrBucketNotEmpty)

	require.NoError(t, fs.DeleteObject(ctx, "alpha", "k"))
	require.NoError(t, fs.DeleteBucket(ctx, "alpha"))

	_, err = fs.HeadBucket(ctx, "alpha")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestPutGetObject(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))

	data := randomData(t, 3*BlockSize+17, 'a')
	obj, err := fs.PutObject(ctx, "bkt", "dir/file.bin", bytes.NewReader(data), int64(len(data)), "", map[string]string{"owner": "dura"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.Len(t, obj.Blocks, 4)
	assert.Equal(t, "application/octet-stream", obj.ContentType)

	got, err := fs.GetObject(ctx, "bkt", "dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "dura", got.Metadata["owner"])
	assert.True(t, bytes.Equal(data, readAll(t, got)))

	part, err := fs.GetObjectRange(ctx, "bkt", "dir/file.bin", BlockSize-5, BlockSize+4)
	require.NoError(t, err)
	assert.Equal(t, int64(10), part.Size)
	assert.Equal(t, data[BlockSize-5:BlockSize+5], readAll(t, part))

	_, err = fs.GetObjectRange(ctx, "bkt", "dir/file.bin", 0, int64(len(data)))
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = fs.GetObject(ctx, "bkt", "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = fs.PutObject(ctx, "bkt", "../escape", bytes.NewReader(nil), 0, "", nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEmptyObject(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))

	_, err := fs.PutObject(ctx, "bkt", "empty", bytes.NewReader(nil), 0, "", nil)
	require.NoError(t, err)

	got, err := fs.GetObject(ctx, "bkt", "empty")
	require.NoError(t, err)
	assert.Empty(t, readAll(t, got))
}

func TestCorruptionFault(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))
	require.NoError(t, fs.SetFault(FaultDataCorruption, true))

	marked := randomData(t, 2*BlockSize, CorruptionMarker)
	_, err := fs.PutObject(ctx, "bkt", "marked", bytes.NewReader(marked), int64(len(marked)), "", nil)
	require.NoError(t, err)

	plain := randomData(t, 2*BlockSize, 'a')
	_, err = fs.PutObject(ctx, "bkt", "plain", bytes.NewReader(plain), int64(len(plain)), "", nil)
	require.NoError(t, err)

	_, err = fs.GetObject(ctx, "bkt", "marked")
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, int64(0), ie.Offset)

	// The damaged block is not touched by a later range
	tail, err := fs.GetObjectRange(ctx, "bkt", "marked", BlockSize, 2*BlockSize-1)
	require.NoError(t, err)
	assert.Equal(t, marked[BlockSize:], readAll(t, tail))

	got, err := fs.GetObject(ctx, "bkt", "plain")
	require.NoError(t, err)
	assert.Equal(t, plain, readAll(t, got))
}

func TestFaultSwitches(t *testing.T) {
	fs := newTestFS(t)

	on, err := fs.Fault(FaultDataCorruption)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, fs.SetFault(FaultDataCorruption, true))
	require.NoError(t, fs.SetFault(FaultDataCorruption, true))
	on, err = fs.Fault(FaultDataCorruption)
	require.NoError(t, err)
	assert.True(t, on)

	assert.ErrorIs(t, fs.SetFault("disk-full", true), ErrUnknownFault)
	_, err = fs.Fault("disk-full")
	assert.ErrorIs(t, err, ErrUnknownFault)
}

func TestMultipartUpload(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))

	upload, err := fs.CreateMultipartUpload(ctx, "bkt", "big", "", nil)
	require.NoError(t, err)

	chunks := [][]byte{randomData(t, BlockSize+3, 'a'), randomData(t, 10, 'b'), randomData(t, 7, 'c')}
	var parts []Part
	for i, c := range chunks {
		p, err := fs.UploadPart(ctx, "bkt", "big", upload.UploadID, int32(i+1), bytes.NewReader(c), int64(len(c)))
		require.NoError(t, err)
		parts = append(parts, Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	listed, err := fs.ListParts(ctx, &ListPartsInput{Bucket: "bkt", Key: "big", UploadID: upload.UploadID, MaxParts: 2})
	require.NoError(t, err)
	assert.Len(t, listed.Parts, 2)
	assert.True(t, listed.IsTruncated)
	assert.Equal(t, int32(2), listed.NextPartNumberMarker)

	_, err = fs.CompleteMultipartUpload(ctx, "bkt", "big", upload.UploadID, []Part{parts[1], parts[0]})
	assert.ErrorIs(t, err, ErrInvalidPartOrder)

	bad := append([]Part(nil), parts...)
	bad[2].ETag = "deadbeef"
	_, err = fs.CompleteMultipartUpload(ctx, "bkt", "big", upload.UploadID, bad)
	assert.ErrorIs(t, err, ErrInvalidPart)

	obj, err := fs.CompleteMultipartUpload(ctx, "bkt", "big", upload.UploadID, parts)
	require.NoError(t, err)
	assert.Contains(t, obj.ETag, "-3")
	assert.Len(t, obj.Blocks, 4)

	got, err := fs.GetObject(ctx, "bkt", "big")
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), readAll(t, got))

	_, err = fs.ListParts(ctx, &ListPartsInput{Bucket: "bkt", Key: "big", UploadID: upload.UploadID})
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestCorruptedPartDetected(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))
	require.NoError(t, fs.SetFault(FaultDataCorruption, true))

	upload, err := fs.CreateMultipartUpload(ctx, "bkt", "obj", "", nil)
	require.NoError(t, err)

	first := randomData(t, 100, CorruptionMarker)
	second := randomData(t, 100, 'a')
	p1, err := fs.UploadPart(ctx, "bkt", "obj", upload.UploadID, 1, bytes.NewReader(first), 100)
	require.NoError(t, err)
	p2, err := fs.UploadPart(ctx, "bkt", "obj", upload.UploadID, 2, bytes.NewReader(second), 100)
	require.NoError(t, err)

	_, err = fs.CompleteMultipartUpload(ctx, "bkt", "obj", upload.UploadID, []Part{*p1, *p2})
	require.NoError(t, err)

	_, err = fs.GetObjectRange(ctx, "bkt", "obj", 0, 199)
	assert.ErrorIs(t, err, ErrIntegrity)

	rest, err := fs.GetObjectRange(ctx, "bkt", "obj", 100, 199)
	require.NoError(t, err)
	assert.Equal(t, second, readAll(t, rest))
}

func TestAbortAndListUploads(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))

	u1, err := fs.CreateMultipartUpload(ctx, "bkt", "a", "", nil)
	require.NoError(t, err)
	_, err = fs.CreateMultipartUpload(ctx, "bkt", "b", "", nil)
	require.NoError(t, err)

	out, err := fs.ListMultipartUploads(ctx, &ListMultipartUploadsInput{Bucket: "bkt", MaxUploads: 1})
	require.NoError(t, err)
	require.Len(t, out.Uploads, 1)
	assert.True(t, out.IsTruncated)
	assert.Equal(t, "a", out.NextKeyMarker)

	require.NoError(t, fs.AbortMultipartUpload(ctx, "bkt", "a", u1.UploadID))
	assert.ErrorIs(t, fs.AbortMultipartUpload(ctx, "bkt", "a", u1.UploadID), ErrUploadNotFound)

	out, err = fs.ListMultipartUploads(ctx, &ListMultipartUploadsInput{Bucket: "bkt"})
	require.NoError(t, err)
	require.Len(t, out.Uploads, 1)
	assert.Equal(t, "b", out.Uploads[0].Key)

	// Pending uploads do not keep a bucket alive
	require.NoError(t, fs.DeleteBucket(ctx, "bkt"))
}

func TestListObjectsV2(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "bkt"))

	for _, k := range []string{"a", "b/1", "b/2", "c"} {
		_, err := fs.PutObject(ctx, "bkt", k, bytes.NewReader([]byte(k)), int64(len(k)), "", nil)
		require.NoError(t, err)
	}

	out, err := fs.ListObjectsV2(ctx, &ListObjectsInput{Bucket: "bkt", Delimiter: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b/"}, out.CommonPrefixes)
	assert.Len(t, out.Objects, 2)
	assert.Equal(t, int32(3), out.KeyCount)

	out, err = fs.ListObjectsV2(ctx, &ListObjectsInput{Bucket: "bkt", MaxKeys: 2})
	require.NoError(t, err)
	assert.True(t, out.IsTruncated)
	assert.Equal(t, "b/1", out.NextContinuationToken)

	out, err = fs.ListObjectsV2(ctx, &ListObjectsInput{Bucket: "bkt", ContinuationToken: "b/1"})
	require.NoError(t, err)
	assert.False(t, out.IsTruncated)
	require.Len(t, out.Objects, 2)
	assert.Equal(t, "b/2", out.Objects[0].Key)

	deleted, errs, err := fs.DeleteObjects(ctx, "bkt", []string{"a", "b/1", "b/2", "c", "nope"})
	require.NoError(t, err)
	assert.Len(t, deleted, 5)
	assert.Empty(t, errs)
}
