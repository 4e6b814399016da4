package api

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/kumasuke/dura/internal/storage"
	"github.com/rs/zerolog/log"
)

const s3Namespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// Handler serves the S3 operations of the sandbox from a Storage.
type Handler struct {
	storage storage.Storage
}

// NewHandler returns a Handler backed by store.
func NewHandler(store storage.Storage) *Handler {
	return &Handler{storage: store}
}

type targetKey struct{}

// target is the bucket and key a request addresses.
type target struct {
	bucket string
	key    string
}

// WithTarget records the addressed bucket and key on the request.
func WithTarget(r *http.Request, bucket, key string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), targetKey{}, target{bucket: bucket, key: key}))
}

func targetOf(r *http.Request) target {
	t, _ := r.Context().Value(targetKey{}).(target)
	return t
}

// GetBucket returns the addressed bucket.
func GetBucket(r *http.Request) string {
	return targetOf(r).bucket
}

// GetKey returns the addressed object key.
func GetKey(r *http.Request) string {
	return targetOf(r).key
}

// writeStorageError maps storage errors shared by most handlers.
func writeStorageError(w http.ResponseWriter, err error, bucket, key string) {
	resource := "/" + bucket
	if key != "" {
		resource += "/" + key
	}

	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		WriteErrorWithResource(w, ErrNoSuchBucket, "/"+bucket)
	case errors.Is(err, storage.ErrObjectNotFound):
		WriteErrorWithResource(w, ErrNoSuchKey, resource)
	case errors.Is(err, storage.ErrUploadNotFound):
		WriteErrorWithResource(w, ErrNoSuchUpload, resource)
	case errors.Is(err, storage.ErrInvalidKey):
		WriteErrorWithResource(w, ErrInvalidArgument, resource)
	case errors.Is(err, storage.ErrInvalidPart):
		WriteErrorWithResource(w, ErrInvalidPart, resource)
	case errors.Is(err, storage.ErrInvalidPartOrder):
		WriteErrorWithResource(w, ErrInvalidPartOrder, resource)
	case errors.Is(err, storage.ErrInvalidRange):
		WriteErrorWithResource(w, ErrInvalidRange, resource)
	case errors.Is(err, storage.ErrIntegrity):
		WriteErrorWithResource(w, ErrDataIntegrity, resource)
	case errors.Is(err, errChecksumMismatch):
		log.Warn().Err(err).Str("resource", resource).Msg("Upload rejected")
		WriteErrorWithResource(w, ErrBadDigest, resource)
	case errors.Is(err, errTruncatedBody):
		WriteErrorWithResource(w, ErrIncompleteBody, resource)
	case errors.Is(err, errMalformedChunk):
		WriteErrorWithResource(w, ErrInvalidRequest, resource)
	default:
		log.Error().Err(err).Str("resource", resource).Msg("Storage operation failed")
		WriteErrorWithResource(w, ErrInternalError, resource)
	}
}

// writeXML encodes v before writing headers so encoding failures still
// produce an error response.
func writeXML(w http.ResponseWriter, v any) {
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		WriteError(w, ErrInternalError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
