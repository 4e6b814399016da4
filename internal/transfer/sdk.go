package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// S3API is the subset of *s3.Client the SDK driver uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Options tunes the SDK driver.
type Options struct {
	// RequestTimeout bounds every single store call.
	RequestTimeout time.Duration
	// PartWorkers is the number of part uploads in flight.
	PartWorkers int
	// PartRetry is the caller-level retry policy for a failed part.
	PartRetry retry.Policy
	// DownloadPartSize is the byte range fetched per GET.
	DownloadPartSize int64
	// DownloadConcurrency is the number of ranged GETs in flight.
	DownloadConcurrency int

	Verifier *checksum.Verifier
	Metrics  *metrics.Metrics
}

// DefaultOptions returns the driver defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:      time.Minute,
		PartWorkers:         4,
		PartRetry:           retry.Policy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second},
		DownloadPartSize:    8 << 20,
		DownloadConcurrency: 4,
		Verifier:            checksum.Default(),
	}
}

// SDK drives the multipart lifecycle through the AWS SDK.
type SDK struct {
	api  S3API
	opts Options
}

// NewSDK returns an SDK driver. Zero option fields fall back to DefaultOptions.
func NewSDK(api S3API, opts Options) *SDK {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.PartWorkers < 1 {
		opts.PartWorkers = def.PartWorkers
	}
	if opts.PartRetry.Attempts < 1 {
		opts.PartRetry = def.PartRetry
	}
	if opts.DownloadPartSize <= 0 {
		opts.DownloadPartSize = def.DownloadPartSize
	}
	if opts.DownloadConcurrency < 1 {
		opts.DownloadConcurrency = def.DownloadConcurrency
	}
	if opts.Verifier == nil {
		opts.Verifier = def.Verifier
	}
	return &SDK{api: api, opts: opts}
}

// Name implements Driver.
func (d *SDK) Name() string {
	return "sdk"
}

func (d *SDK) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.RequestTimeout)
}

// Initiate starts a multipart upload.
func (d *SDK) Initiate(ctx context.Context, bucket, key string) (*Upload, error) {
	ctx, cancel := d.call(ctx)
	defer cancel()

	out, err := d.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, transportError("initiate", bucket, key, err)
	}
	return newUpload(aws.ToString(out.UploadId), bucket, key), nil
}

// UploadPart sends one part. Part numbers are used as given: the driver does
// not reorder, deduplicate or retry.
func (d *SDK) UploadPart(ctx context.Context, up *Upload, number int32, body io.ReadSeeker, size int64) (Part, error) {
	if number < 1 || number > payload.MaxParts {
		return Part{}, fmt.Errorf("part number %d out of range [1, %d]", number, payload.MaxParts)
	}
	if !up.open() {
		return Part{}, fmt.Errorf("multipart upload %s is %s", up.ID, up.State())
	}

	ctx, cancel := d.call(ctx)
	defer cancel()

	out, err := d.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(up.Bucket),
		Key:           aws.String(up.Key),
		UploadId:      aws.String(up.ID),
		PartNumber:    aws.Int32(number),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	d.opts.Metrics.PartUploaded(err == nil)
	if err != nil {
		return Part{}, transportError(fmt.Sprintf("upload part %d", number), up.Bucket, up.Key, err)
	}

	part := Part{
		Number: number,
		ETag:   aws.ToString(out.ETag),
		Size:   size,
	}
	up.record(part)
	d.opts.Metrics.Transferred(metrics.Upload, size)
	return part, nil
}

// ListParts returns the parts the store holds for up, ordered by part number.
func (d *SDK) ListParts(ctx context.Context, up *Upload) ([]Part, error) {
	pager := s3.NewListPartsPaginator(d.api, &s3.ListPartsInput{
		Bucket:   aws.String(up.Bucket),
		Key:      aws.String(up.Key),
		UploadId: aws.String(up.ID),
	})

	var parts []Part
	for pager.HasMorePages() {
		callCtx, cancel := d.call(ctx)
		page, err := pager.NextPage(callCtx)
		cancel()
		if err != nil {
			return nil, transportError("list parts", up.Bucket, up.Key, err)
		}
		for _, p := range page.Parts {
			parts = append(parts, Part{
				Number: aws.ToInt32(p.PartNumber),
				ETag:   aws.ToString(p.ETag),
				Size:   aws.ToInt64(p.Size),
			})
		}
	}
	return parts, nil
}

// Complete asks the store to assemble parts. The list must be exactly the
// contiguous set 1..N acknowledged by UploadPart; anything else fails with
// IncompleteUploadError and leaves the upload open.
func (d *SDK) Complete(ctx context.Context, up *Upload, parts []Part) (*TransferResult, error) {
	if !up.open() {
		return nil, fmt.Errorf("multipart upload %s is %s", up.ID, up.State())
	}
	if err := validateParts(up, parts); err != nil {
		return nil, err
	}

	completed := make([]types.CompletedPart, len(parts))
	var size int64
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		}
		size += p.Size
	}

	callCtx, cancel := d.call(ctx)
	defer cancel()

	out, err := d.api.CompleteMultipartUpload(callCtx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(up.Bucket),
		Key:             aws.String(up.Key),
		UploadId:        aws.String(up.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		switch errorCode(err) {
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "MalformedXML":
			return nil, &IncompleteUploadError{UploadID: up.ID, Reason: "store rejected part list", Err: err}
		}
		return nil, transportError("complete", up.Bucket, up.Key, err)
	}

	up.setState(StateCompleted)
	return &TransferResult{
		Success:   true,
		Transport: d.Name(),
		Bucket:    up.Bucket,
		Key:       up.Key,
		Size:      size,
		ETag:      aws.ToString(out.ETag),
		Multipart: true,
		Parts:     parts,
	}, nil
}

func validateParts(up *Upload, parts []Part) error {
	if len(parts) == 0 {
		return &IncompleteUploadError{UploadID: up.ID, Reason: "no parts"}
	}

	recorded := up.Parts()
	byNumber := make(map[int32]Part, len(recorded))
	for _, p := range recorded {
		byNumber[p.Number] = p
	}

	for i, p := range parts {
		want := int32(i + 1)
		if p.Number != want {
			return &IncompleteUploadError{
				UploadID: up.ID,
				Reason:   fmt.Sprintf("part %d at position %d, expected part %d", p.Number, i+1, want),
			}
		}
		rec, ok := byNumber[p.Number]
		if !ok {
			return &IncompleteUploadError{UploadID: up.ID, Reason: fmt.Sprintf("part %d was never acknowledged", p.Number)}
		}
		if strings.Trim(rec.ETag, `"`) != strings.Trim(p.ETag, `"`) {
			return &IncompleteUploadError{UploadID: up.ID, Reason: fmt.Sprintf("part %d etag %s does not match %s", p.Number, p.ETag, rec.ETag)}
		}
	}
	if len(parts) != len(recorded) {
		return &IncompleteUploadError{
			UploadID: up.ID,
			Reason:   fmt.Sprintf("%d parts listed, %d acknowledged", len(parts), len(recorded)),
		}
	}
	return nil
}

// Abort cancels the upload and discards its parts on the store.
func (d *SDK) Abort(ctx context.Context, up *Upload) error {
	ctx, cancel := d.call(ctx)
	defer cancel()

	_, err := d.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(up.Bucket),
		Key:      aws.String(up.Key),
		UploadId: aws.String(up.ID),
	})
	if err != nil && errorCode(err) != "NoSuchUpload" {
		return transportError("abort", up.Bucket, up.Key, err)
	}
	up.setState(StateAborted)
	return nil
}

// Upload splits the payload into req.Parts chunks, uploads them with a bounded
// worker pool, checks the stored part list and completes the upload. Any
// failure aborts the upload.
func (d *SDK) Upload(ctx context.Context, req UploadRequest) (*TransferResult, error) {
	chunks, err := payload.Split(req.Payload.Size, req.Parts)
	if err != nil {
		return nil, err
	}

	src, err := req.Payload.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	up, err := d.Initiate(ctx, req.Bucket, req.Key)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("bucket", req.Bucket).Str("key", req.Key).Str("upload_id", up.ID).Logger()
	logger.Debug().Int("parts", len(chunks)).Int("workers", d.opts.PartWorkers).Msg("Multipart upload initiated")

	result, err := d.uploadChunks(ctx, up, src, chunks)
	if err != nil {
		// the upload must be released even when ctx is already cancelled
		if abortErr := d.Abort(context.WithoutCancel(ctx), up); abortErr != nil {
			logger.Warn().Err(abortErr).Msg("Failed to abort multipart upload")
		}
		return nil, err
	}

	result.Path = req.Payload.Path
	if result.Checksum, err = req.Payload.Checksum(); err != nil {
		return nil, err
	}
	logger.Info().Int64("size", result.Size).Str("etag", result.ETag).Msg("Multipart upload completed")
	return result, nil
}

func (d *SDK) uploadChunks(ctx context.Context, up *Upload, src io.ReaderAt, chunks []payload.Chunk) (*TransferResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.PartWorkers)

	for _, c := range chunks {
		g.Go(func() error {
			attempt := 0
			return retry.Do(gctx, d.opts.PartRetry, IsRetryable, func(ctx context.Context) error {
				attempt++
				if err := ctx.Err(); err != nil {
					return err
				}
				body := io.NewSectionReader(src, c.Offset, c.Length)
				_, err := d.UploadPart(ctx, up, c.Number, body, c.Length)
				if err != nil {
					log.Warn().Err(err).Int32("part", c.Number).Int("attempt", attempt).Msg("Part upload failed")
				}
				return err
			})
		})
	}
	// every dispatched part must be acknowledged before completion
	if err := g.Wait(); err != nil {
		return nil, err
	}

	listed, err := d.ListParts(ctx, up)
	if err != nil {
		return nil, err
	}
	if len(listed) != len(chunks) {
		return nil, &IncompleteUploadError{
			UploadID: up.ID,
			Reason:   fmt.Sprintf("store lists %d parts, %d were uploaded", len(listed), len(chunks)),
		}
	}

	res, err := d.Complete(ctx, up, listed)
	if err != nil {
		var incomplete *IncompleteUploadError
		if errors.As(err, &incomplete) {
			log.Error().Err(err).Str("upload_id", up.ID).Msg("Part list inconsistent at completion")
		}
		return nil, err
	}
	return res, nil
}
