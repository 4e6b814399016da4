package api

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kumasuke/dura/internal/storage"
	"github.com/rs/zerolog/log"
)

// maxDeleteKeys is the most keys one DeleteObjects request may carry.
const maxDeleteKeys = 1000

// ListBucketResult is the ListObjectsV2 response.
type ListBucketResult struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Xmlns                 string         `xml:"xmlns,attr"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	MaxKeys               int32          `xml:"MaxKeys"`
	IsTruncated           bool           `xml:"IsTruncated"`
	KeyCount              int32          `xml:"KeyCount"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	StartAfter            string         `xml:"StartAfter,omitempty"`
	Contents              []ObjectInfo   `xml:"Contents"`
	CommonPrefixes        []CommonPrefix `xml:"CommonPrefixes,omitempty"`
}

// ObjectInfo is one key of a listing.
type ObjectInfo struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

// CommonPrefix is a key prefix rolled up by the delimiter.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// DeleteRequest is the request body for DeleteObjects.
type DeleteRequest struct {
	XMLName xml.Name           `xml:"Delete"`
	Quiet   bool               `xml:"Quiet"`
	Objects []ObjectIdentifier `xml:"Object"`
}

// ObjectIdentifier names one object in a DeleteObjects request.
type ObjectIdentifier struct {
	Key string `xml:"Key"`
}

// DeleteResult is the response for DeleteObjects.
type DeleteResult struct {
	XMLName xml.Name        `xml:"DeleteResult"`
	Xmlns   string          `xml:"xmlns,attr"`
	Deleted []DeletedInfo   `xml:"Deleted,omitempty"`
	Errors  []DeleteErrInfo `xml:"Error,omitempty"`
}

// DeletedInfo reports a deleted key.
type DeletedInfo struct {
	Key string `xml:"Key"`
}

// DeleteErrInfo reports a key that could not be deleted.
type DeleteErrInfo struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// requestBody returns the decoded payload of an upload request and its size.
// aws-chunked bodies are unwrapped and sized by x-amz-decoded-content-length.
func requestBody(r *http.Request) (io.Reader, int64, bool) {
	if IsAWSChunked(r.Header.Get("Content-Encoding"), r.Header.Get("X-Amz-Content-Sha256")) {
		size, err := strconv.ParseInt(r.Header.Get("X-Amz-Decoded-Content-Length"), 10, 64)
		if err != nil || size < 0 {
			return nil, 0, false
		}
		return newAWSChunkedReader(r.Body, r.Header.Get("X-Amz-Trailer")), size, true
	}
	if r.ContentLength < 0 {
		return nil, 0, false
	}
	return r.Body, r.ContentLength, true
}

// userMetadata collects x-amz-meta-* headers, keyed without the prefix.
func userMetadata(h http.Header) map[string]string {
	metadata := make(map[string]string)
	for k, values := range h {
		if name, ok := strings.CutPrefix(strings.ToLower(k), "x-amz-meta-"); ok && len(values) > 0 {
			metadata[name] = values[0]
		}
	}
	return metadata
}

func setObjectHeaders(w http.ResponseWriter, obj *storage.Object) {
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	for k, v := range obj.Metadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
}

// PutObject handles PUT /{bucket}/{key}.
func (h *Handler) PutObject(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	body, size, ok := requestBody(r)
	if !ok {
		WriteError(w, ErrMissingContentLength)
		return
	}

	obj, err := h.storage.PutObject(r.Context(), t.bucket, t.key, body, size, r.Header.Get("Content-Type"), userMetadata(r.Header))
	if err != nil {
		writeStorageError(w, err, t.bucket, t.key)
		return
	}
	w.Header().Set("ETag", quoteETag(obj.ETag))
	w.WriteHeader(http.StatusOK)
}

// parseRange resolves a single "bytes=" range against size. An end beyond the
// object is clamped to the last byte.
func parseRange(header string, size int64) (int64, int64, bool) {
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(ranges, "-")
	if !ok || size == 0 {
		return 0, 0, false
	}

	if first == "" {
		// bytes=-N is the last N bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		return max(size-n, 0), size - 1, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		end = min(end, size-1)
	}
	return start, end, true
}

// GetObject handles GET /{bucket}/{key}, whole or with a single Range.
// Stored blocks are verified when the object is opened, so an integrity
// failure is still reported as a 500 rather than a truncated 200.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if r.Header.Get("Range") == "" {
		obj, err := h.storage.GetObject(r.Context(), t.bucket, t.key)
		if err != nil {
			writeStorageError(w, err, t.bucket, t.key)
			return
		}
		serveObject(w, t, obj, http.StatusOK)
		return
	}

	meta, err := h.storage.HeadObject(r.Context(), t.bucket, t.key)
	if err != nil {
		writeStorageError(w, err, t.bucket, t.key)
		return
	}
	start, end, ok := parseRange(r.Header.Get("Range"), meta.Size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
		WriteErrorWithResource(w, ErrInvalidRange, "/"+t.bucket+"/"+t.key)
		return
	}

	obj, err := h.storage.GetObjectRange(r.Context(), t.bucket, t.key, start, end)
	if err != nil {
		writeStorageError(w, err, t.bucket, t.key)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.Size))
	serveObject(w, t, obj, http.StatusPartialContent)
}

func serveObject(w http.ResponseWriter, t target, obj *storage.ObjectData, status int) {
	defer obj.Body.Close()

	setObjectHeaders(w, &obj.Object)
	w.WriteHeader(status)
	if _, err := io.Copy(w, obj.Body); err != nil {
		log.Error().Err(err).Str("bucket", t.bucket).Str("key", t.key).Int("status", status).Msg("Failed to write object body")
	}
}

// HeadObject handles HEAD /{bucket}/{key}.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	obj, err := h.storage.HeadObject(r.Context(), t.bucket, t.key)
	switch {
	case errors.Is(err, storage.ErrBucketNotFound), errors.Is(err, storage.ErrObjectNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		setObjectHeaders(w, obj)
		w.WriteHeader(http.StatusOK)
	}
}

// DeleteObject handles DELETE /{bucket}/{key}. Deleting a missing key
// succeeds.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	t := targetOf(r)
	if err := h.storage.DeleteObject(r.Context(), t.bucket, t.key); err != nil {
		writeStorageError(w, err, t.bucket, t.key)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteObjects handles POST /{bucket}?delete with up to 1000 keys.
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	bucket := GetBucket(r)

	var req DeleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Objects) == 0 || len(req.Objects) > maxDeleteKeys {
		WriteError(w, ErrMalformedXML)
		return
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}
	deleted, failed, err := h.storage.DeleteObjects(r.Context(), bucket, keys)
	if err != nil {
		writeStorageError(w, err, bucket, "")
		return
	}

	result := DeleteResult{Xmlns: s3Namespace}
	if !req.Quiet {
		for _, d := range deleted {
			result.Deleted = append(result.Deleted, DeletedInfo{Key: d.Key})
		}
	}
	for _, e := range failed {
		result.Errors = append(result.Errors, DeleteErrInfo(e))
	}
	writeXML(w, result)
}

// ListObjectsV2 handles GET /{bucket}.
func (h *Handler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	input := &storage.ListObjectsInput{
		Bucket:            GetBucket(r),
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		MaxKeys:           1000,
		ContinuationToken: q.Get("continuation-token"),
		StartAfter:        q.Get("start-after"),
	}
	if n, err := strconv.ParseInt(q.Get("max-keys"), 10, 32); err == nil && n >= 0 {
		input.MaxKeys = int32(n)
	}

	out, err := h.storage.ListObjectsV2(r.Context(), input)
	if err != nil {
		writeStorageError(w, err, input.Bucket, "")
		return
	}

	result := ListBucketResult{
		Xmlns:                 s3Namespace,
		Name:                  input.Bucket,
		Prefix:                input.Prefix,
		Delimiter:             input.Delimiter,
		MaxKeys:               input.MaxKeys,
		IsTruncated:           out.IsTruncated,
		KeyCount:              out.KeyCount,
		ContinuationToken:     input.ContinuationToken,
		NextContinuationToken: out.NextContinuationToken,
		StartAfter:            input.StartAfter,
		Contents:              make([]ObjectInfo, 0, len(out.Objects)),
	}
	for _, obj := range out.Objects {
		result.Contents = append(result.Contents, ObjectInfo{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
			ETag:         quoteETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, CommonPrefix{Prefix: p})
	}
	writeXML(w, result)
}
