package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type byteRange struct {
	start, end int64
}

func ranges(size, partSize int64) []byteRange {
	var out []byteRange
	for start := int64(0); start < size; start += partSize {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		out = append(out, byteRange{start, end})
	}
	return out
}

// Download fetches the object into dest with concurrent ranged GETs. A 5xx
// answer to any range fails the whole download with TransferError and dest is
// removed.
func (d *SDK) Download(ctx context.Context, bucket, key, dest string) (*TransferResult, error) {
	headCtx, cancel := d.call(ctx)
	head, err := d.api.HeadObject(headCtx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	cancel()
	if err != nil {
		return nil, downloadError("head", bucket, key, err)
	}
	size := aws.ToInt64(head.ContentLength)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, &payload.IOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &payload.IOError{Op: "create", Path: dest, Err: err}
	}

	if err := d.fetch(ctx, f, bucket, key, size); err != nil {
		f.Close()
		os.Remove(dest)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return nil, &payload.IOError{Op: "close", Path: dest, Err: err}
	}

	digest, err := d.opts.Verifier.File(dest)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("bucket", bucket).Str("key", key).Int64("size", size).Msg("Object downloaded")
	return &TransferResult{
		Success:   true,
		Transport: d.Name(),
		Bucket:    bucket,
		Key:       key,
		Path:      dest,
		Size:      size,
		ETag:      aws.ToString(head.ETag),
		Checksum:  digest,
		Multipart: size > d.opts.DownloadPartSize,
	}, nil
}

func (d *SDK) fetch(ctx context.Context, f *os.File, bucket, key string, size int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.DownloadConcurrency)

	for _, r := range ranges(size, d.opts.DownloadPartSize) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return d.fetchRange(gctx, f, bucket, key, r)
		})
	}
	return g.Wait()
}

func (d *SDK) fetchRange(ctx context.Context, f *os.File, bucket, key string, r byteRange) error {
	ctx, cancel := d.call(ctx)
	defer cancel()

	out, err := d.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", r.start, r.end)),
	})
	if err != nil {
		return downloadError("get", bucket, key, err)
	}
	defer out.Body.Close()

	want := r.end - r.start + 1
	n, err := io.Copy(io.NewOffsetWriter(f, r.start), io.LimitReader(out.Body, want))
	d.opts.Metrics.Transferred(metrics.Download, n)
	if err != nil {
		return transportError("get", bucket, key, err)
	}
	if n != want {
		return transportError("get", bucket, key, fmt.Errorf("short read at offset %d: got %d of %d bytes", r.start, n, want))
	}
	return nil
}
