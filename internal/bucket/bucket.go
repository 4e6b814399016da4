// Package bucket manages the lifecycle of the buckets a scenario owns.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/rs/zerolog/log"
)

// deleteBatch is the most keys one DeleteObjects call accepts.
const deleteBatch = 1000

// DefaultRequestTimeout bounds a single store call when none is configured.
const DefaultRequestTimeout = time.Minute

// S3API is the subset of *s3.Client the manager uses.
type S3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Manager creates and removes buckets. Every failed store call is returned as
// a *transfer.TransportError.
type Manager struct {
	api     S3API
	timeout time.Duration
}

// NewManager returns a Manager backed by api. Every store call, and every page
// of a listing, gets its own deadline of requestTimeout; zero or less selects
// DefaultRequestTimeout.
func NewManager(api S3API, requestTimeout time.Duration) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Manager{api: api, timeout: requestTimeout}
}

func (m *Manager) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// Create creates name. A bucket the caller already owns counts as created;
// one owned by somebody else does not.
func (m *Manager) Create(ctx context.Context, name string) error {
	ctx, cancel := m.call(ctx)
	defer cancel()

	_, err := m.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	if err == nil {
		log.Debug().Str("bucket", name).Msg("Bucket created")
		return nil
	}

	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) || errorCode(err) == "BucketAlreadyOwnedByYou" {
		return nil
	}
	return storeError("CreateBucket", name, err)
}

// Exists reports whether name exists and is reachable with our credentials.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := m.call(ctx)
	defer cancel()

	_, err := m.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, storeError("HeadBucket", name, err)
}

// ListObjects returns every key in name.
func (m *Manager) ListObjects(ctx context.Context, name string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(m.api, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
	for p.HasMorePages() {
		page, err := m.nextPage(ctx, p)
		if err != nil {
			return nil, storeError("ListObjectsV2", name, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes name. With force it first aborts in-progress multipart
// uploads and deletes every object. A missing bucket is not an error.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	logger := log.With().Str("bucket", name).Logger()

	if force {
		aborted, err := m.abortUploads(ctx, name)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted, err := m.deleteObjects(ctx, name)
		if err != nil {
			return err
		}
		logger.Debug().Int("aborted_uploads", aborted).Int("deleted_objects", deleted).Msg("Bucket emptied")
	}

	callCtx, cancel := m.call(ctx)
	_, err := m.api.DeleteBucket(callCtx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	cancel()
	if err != nil && !isNotFound(err) {
		return storeError("DeleteBucket", name, err)
	}
	logger.Debug().Msg("Bucket deleted")
	return nil
}

func (m *Manager) abortUploads(ctx context.Context, name string) (int, error) {
	var (
		keyMarker, uploadMarker *string
		aborted                 int
	)
	for {
		callCtx, cancel := m.call(ctx)
		out, err := m.api.ListMultipartUploads(callCtx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(name),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadMarker,
		})
		cancel()
		if err != nil {
			if isNotFound(err) {
				return aborted, err
			}
			return aborted, storeError("ListMultipartUploads", name, err)
		}

		for _, up := range out.Uploads {
			callCtx, cancel := m.call(ctx)
			_, err := m.api.AbortMultipartUpload(callCtx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(name),
				Key:      up.Key,
				UploadId: up.UploadId,
			})
			cancel()
			if err != nil && errorCode(err) != "NoSuchUpload" {
				return aborted, storeError("AbortMultipartUpload", name, err)
			}
			aborted++
		}

		if !aws.ToBool(out.IsTruncated) {
			return aborted, nil
		}
		keyMarker, uploadMarker = out.NextKeyMarker, out.NextUploadIdMarker
	}
}

func (m *Manager) deleteObjects(ctx context.Context, name string) (int, error) {
	var deleted int
	p := s3.NewListObjectsV2Paginator(m.api, &s3.ListObjectsV2Input{
		Bucket:  aws.String(name),
		MaxKeys: aws.Int32(deleteBatch),
	})
	for p.HasMorePages() {
		page, err := m.nextPage(ctx, p)
		if err != nil {
			return deleted, storeError("ListObjectsV2", name, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			ids[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		callCtx, cancel := m.call(ctx)
		out, err := m.api.DeleteObjects(callCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		cancel()
		if err != nil {
			return deleted, storeError("DeleteObjects", name, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return deleted, storeError("DeleteObjects", name,
				fmt.Errorf("%d keys not deleted, first %q: %s", len(out.Errors), aws.ToString(e.Key), aws.ToString(e.Code)))
		}
		deleted += len(ids)
	}
	return deleted, nil
}

func (m *Manager) nextPage(ctx context.Context, p *s3.ListObjectsV2Paginator) (*s3.ListObjectsV2Output, error) {
	ctx, cancel := m.call(ctx)
	defer cancel()
	return p.NextPage(ctx)
}

func storeError(op, name string, err error) error {
	var te *transfer.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &transfer.TransportError{Op: op, Bucket: name, StatusCode: statusCode(err), Err: err}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.NotFound
	var nb *types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nb) {
		return true
	}
	return errorCode(err) == "NoSuchBucket" || statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
