package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/kumasuke/dura/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSDK(t *testing.T) (*testutil.TestServer, *transfer.SDK) {
	t.Helper()
	ts := testutil.NewTestServer(t)
	return ts, transfer.NewSDK(ts.S3Client(t), transfer.Options{DownloadPartSize: 256 << 10})
}

func generate(t *testing.T, size int64, pattern payload.Pattern) *payload.Payload {
	t.Helper()
	gen := payload.NewSeededGenerator(t.TempDir(), checksum.Default(), 7)
	p, err := gen.Generate(context.Background(), size, pattern)
	require.NoError(t, err)
	return p
}

func TestSDKRoundTrip(t *testing.T) {
	ts, d := newSDK(t)
	ctx := context.Background()
	bucket := testutil.RandomBucketName()
	ts.CreateTestBucket(t, bucket)

	p := generate(t, 3<<20+17, payload.UniformRandom)
	up, err := d.Upload(ctx, transfer.UploadRequest{Bucket: bucket, Key: "obj", Payload: p, Parts: 4})
	require.NoError(t, err)
	assert.True(t, up.Multipart)
	assert.Len(t, up.Parts, 4)
	assert.Equal(t, p.Size, up.Size)

	dest := filepath.Join(t.TempDir(), "download.bin")
	dl, err := d.Download(ctx, bucket, "obj", dest)
	require.NoError(t, err)
	assert.Equal(t, p.Size, dl.Size)
	assert.True(t, checksum.Compare(up.Checksum, dl.Checksum))
}

func TestSDKDownloadCorrupted(t *testing.T) {
	ts, d := newSDK(t)
	ctx := context.Background()
	bucket := testutil.RandomBucketName()
	ts.CreateTestBucket(t, bucket)

	inj := ts.Injector()
	active, err := inj.EnableDataCorruption(ctx)
	require.NoError(t, err)
	require.True(t, active)
	t.Cleanup(func() { _ = inj.Reset(context.Background()) })

	p := generate(t, 2<<20, payload.Corrupted)
	_, err = d.Upload(ctx, transfer.UploadRequest{Bucket: bucket, Key: "bad", Payload: p, Parts: 2})
	require.NoError(t, err)

	_, err = d.Download(ctx, bucket, "bad", filepath.Join(t.TempDir(), "bad.bin"))
	require.Error(t, err)
	assert.True(t, transfer.IsTransferError(err))

	var te *transfer.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 500, te.StatusCode)
}

func TestSDKCompleteRejectsMissingPart(t *testing.T) {
	ts, d := newSDK(t)
	ctx := context.Background()
	bucket := testutil.RandomBucketName()
	ts.CreateTestBucket(t, bucket)

	up, err := d.Initiate(ctx, bucket, "gap")
	require.NoError(t, err)
	assert.Equal(t, transfer.StateInitiated, up.State())

	var parts []transfer.Part
	for n := int32(1); n <= 3; n++ {
		body := bytes.Repeat([]byte{byte('a' + n)}, 1024)
		part, err := d.UploadPart(ctx, up, n, bytes.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		parts = append(parts, part)
	}

	tests := []struct {
		name  string
		parts []transfer.Part
	}{
		{"empty", nil},
		{"gap", []transfer.Part{parts[0], parts[2]}},
		{"truncated", parts[:2]},
		{"out of order", []transfer.Part{parts[1], parts[0], parts[2]}},
		{"wrong etag", []transfer.Part{parts[0], parts[1], {Number: 3, ETag: `"deadbeef"`, Size: 1024}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Complete(ctx, up, tt.parts)
			var incomplete *transfer.IncompleteUploadError
			require.ErrorAs(t, err, &incomplete)
			assert.Equal(t, up.ID, incomplete.UploadID)
			assert.Equal(t, transfer.StatePartsUploaded, up.State())
		})
	}

	listed, err := d.ListParts(ctx, up)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	res, err := d.Complete(ctx, up, listed)
	require.NoError(t, err)
	assert.Equal(t, int64(3*1024), res.Size)
	assert.Equal(t, transfer.StateCompleted, up.State())

	_, err = d.UploadPart(ctx, up, 4, bytes.NewReader([]byte("late")), 4)
	assert.Error(t, err)
}

func TestSDKAbort(t *testing.T) {
	ts, d := newSDK(t)
	ctx := context.Background()
	bucket := testutil.RandomBucketName()
	ts.CreateTestBucket(t, bucket)

	up, err := d.Initiate(ctx, bucket, "aborted")
	require.NoError(t, err)
	_, err = d.UploadPart(ctx, up, 1, bytes.NewReader([]byte("data")), 4)
	require.NoError(t, err)

	require.NoError(t, d.Abort(ctx, up))
	assert.Equal(t, transfer.StateAborted, up.State())

	out, err := ts.S3Client(t).ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)
	assert.Empty(t, out.Uploads)

	_, err = d.Complete(ctx, up, up.Parts())
	assert.Error(t, err)
}

func TestSDKUploadPartNumberRange(t *testing.T) {
	ts, d := newSDK(t)
	ctx := context.Background()
	bucket := testutil.RandomBucketName()
	ts.CreateTestBucket(t, bucket)

	up, err := d.Initiate(ctx, bucket, "range")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Abort(context.Background(), up) })

	for _, n := range []int32{0, payload.MaxParts + 1} {
		_, err := d.UploadPart(ctx, up, n, bytes.NewReader([]byte("x")), 1)
		assert.Error(t, err, "part %d", n)
	}
}

func TestSDKUploadMissingBucket(t *testing.T) {
	_, d := newSDK(t)

	p := generate(t, 1024, payload.UniformRandom)
	_, err := d.Upload(context.Background(), transfer.UploadRequest{Bucket: "missing", Key: "k", Payload: p, Parts: 1})
	require.Error(t, err)

	var te *transfer.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 404, te.StatusCode)
	assert.False(t, transfer.IsTransferError(err))
}

