package api

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"time"

	"github.com/kumasuke/dura/internal/storage"
)

// maxPartNumber is the highest part number S3 accepts.
const maxPartNumber = 10000

// InitiateMultipartUploadResult is the response for CreateMultipartUpload.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadId string   `xml:"UploadId"`
}

// CompleteMultipartUploadResult is the response for CompleteMultipartUpload.
type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

// CompleteMultipartUploadRequest is the request body for CompleteMultipartUpload.
type CompleteMultipartUploadRequest struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

// CompletePart names one part to assemble.
type CompletePart struct {
	PartNumber int32  `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// ListPartsResult is the response for ListParts.
type ListPartsResult struct {
	XMLName              xml.Name   `xml:"ListPartsResult"`
	Xmlns                string     `xml:"xmlns,attr"`
	Bucket               string     `xml:"Bucket"`
	Key                  string     `xml:"Key"`
	UploadId             string     `xml:"UploadId"`
	PartNumberMarker     int32      `xml:"PartNumberMarker"`
	NextPartNumberMarker int32      `xml:"NextPartNumberMarker,omitempty"`
	MaxParts             int32      `xml:"MaxParts"`
	IsTruncated          bool       `xml:"IsTruncated"`
	Parts                []PartInfo `xml:"Part"`
}

// PartInfo is one entry of ListParts.
type PartInfo struct {
	PartNumber   int32  `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// ListMultipartUploadsResult is the response for ListMultipartUploads.
type ListMultipartUploadsResult struct {
	XMLName            xml.Name     `xml:"ListMultipartUploadsResult"`
	Xmlns              string       `xml:"xmlns,attr"`
	Bucket             string       `xml:"Bucket"`
	KeyMarker          string       `xml:"KeyMarker"`
	UploadIdMarker     string       `xml:"UploadIdMarker"`
	NextKeyMarker      string       `xml:"NextKeyMarker,omitempty"`
	NextUploadIdMarker string       `xml:"NextUploadIdMarker,omitempty"`
	MaxUploads         int32        `xml:"MaxUploads"`
	IsTruncated        bool         `xml:"IsTruncated"`
	Uploads            []UploadInfo `xml:"Upload"`
}

// UploadInfo is one pending upload in ListMultipartUploads.
type UploadInfo struct {
	Key       string `xml:"Key"`
	UploadId  string `xml:"UploadId"`
	Initiated string `xml:"Initiated"`
}

// queryInt32 reads a positive integer query parameter, falling back to def.
func queryInt32(r *http.Request, name string, def int32) int32 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 32)
	if err != nil || v <= 0 {
		return def
	}
	return int32(v)
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// upload identifies the multipart upload a request addresses.
type upload struct {
	bucket, key, id string
}

func uploadOf(r *http.Request) upload {
	t := targetOf(r)
	return upload{bucket: t.bucket, key: t.key, id: r.URL.Query().Get("uploadId")}
}

// CreateMultipartUpload handles POST /{bucket}/{key}?uploads.
func (h *Handler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	u := uploadOf(r)
	created, err := h.storage.CreateMultipartUpload(r.Context(), u.bucket, u.key, r.Header.Get("Content-Type"), userMetadata(r.Header))
	if err != nil {
		writeStorageError(w, err, u.bucket, u.key)
		return
	}
	writeXML(w, InitiateMultipartUploadResult{
		Xmlns:    s3Namespace,
		Bucket:   u.bucket,
		Key:      u.key,
		UploadId: created.UploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID. Part
// numbers run from 1 to 10000.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	u := uploadOf(r)
	n, err := strconv.ParseInt(r.URL.Query().Get("partNumber"), 10, 32)
	if err != nil || n < 1 || n > maxPartNumber {
		WriteError(w, ErrInvalidArgument)
		return
	}

	body, size, ok := requestBody(r)
	if !ok {
		WriteError(w, ErrMissingContentLength)
		return
	}
	part, err := h.storage.UploadPart(r.Context(), u.bucket, u.key, u.id, int32(n), body, size)
	if err != nil {
		writeStorageError(w, err, u.bucket, u.key)
		return
	}
	w.Header().Set("ETag", quoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// partsToComplete validates the CompleteMultipartUpload part list: it must be
// non-empty and strictly ascending by part number.
func partsToComplete(req *CompleteMultipartUploadRequest) ([]storage.Part, *S3Error) {
	if len(req.Parts) == 0 {
		return nil, ErrMalformedXML
	}
	parts := make([]storage.Part, 0, len(req.Parts))
	var prev int32
	for _, p := range req.Parts {
		if p.PartNumber <= prev {
			return nil, ErrInvalidPartOrder
		}
		prev = p.PartNumber
		parts = append(parts, storage.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	return parts, nil
}

// CompleteMultipartUpload handles POST /{bucket}/{key}?uploadId=ID. A part
// list that names a missing part or a stale ETag leaves the upload pending.
func (h *Handler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	u := uploadOf(r)

	var req CompleteMultipartUploadRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, ErrMalformedXML)
		return
	}
	parts, s3err := partsToComplete(&req)
	if s3err != nil {
		WriteError(w, s3err)
		return
	}

	obj, err := h.storage.CompleteMultipartUpload(r.Context(), u.bucket, u.key, u.id, parts)
	if err != nil {
		writeStorageError(w, err, u.bucket, u.key)
		return
	}
	writeXML(w, CompleteMultipartUploadResult{
		Xmlns:    s3Namespace,
		Location: "/" + u.bucket + "/" + u.key,
		Bucket:   u.bucket,
		Key:      u.key,
		ETag:     quoteETag(obj.ETag),
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (h *Handler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	u := uploadOf(r)
	if err := h.storage.AbortMultipartUpload(r.Context(), u.bucket, u.key, u.id); err != nil {
		writeStorageError(w, err, u.bucket, u.key)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	u := uploadOf(r)
	input := &storage.ListPartsInput{
		Bucket:   u.bucket,
		Key:      u.key,
		UploadID: u.id,
		MaxParts: queryInt32(r, "max-parts", 1000),
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("part-number-marker"), 10, 32); err == nil {
		input.PartNumberMarker = int32(v)
	}

	out, err := h.storage.ListParts(r.Context(), input)
	if err != nil {
		writeStorageError(w, err, u.bucket, u.key)
		return
	}

	result := ListPartsResult{
		Xmlns:            s3Namespace,
		Bucket:           u.bucket,
		Key:              u.key,
		UploadId:         u.id,
		PartNumberMarker: input.PartNumberMarker,
		MaxParts:         input.MaxParts,
		IsTruncated:      out.IsTruncated,
		Parts:            make([]PartInfo, 0, len(out.Parts)),
	}
	if out.IsTruncated {
		result.NextPartNumberMarker = out.NextPartNumberMarker
	}
	for _, p := range out.Parts {
		result.Parts = append(result.Parts, PartInfo{
			PartNumber:   p.PartNumber,
			LastModified: p.LastModified.UTC().Format(time.RFC3339),
			ETag:         quoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	writeXML(w, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *Handler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	bucket := GetBucket(r)
	q := r.URL.Query()
	input := &storage.ListMultipartUploadsInput{
		Bucket:         bucket,
		Prefix:         q.Get("prefix"),
		MaxUploads:     queryInt32(r, "max-uploads", 1000),
		KeyMarker:      q.Get("key-marker"),
		UploadIdMarker: q.Get("upload-id-marker"),
	}

	out, err := h.storage.ListMultipartUploads(r.Context(), input)
	if err != nil {
		writeStorageError(w, err, bucket, "")
		return
	}

	result := ListMultipartUploadsResult{
		Xmlns:          s3Namespace,
		Bucket:         bucket,
		KeyMarker:      input.KeyMarker,
		UploadIdMarker: input.UploadIdMarker,
		MaxUploads:     input.MaxUploads,
		IsTruncated:    out.IsTruncated,
		Uploads:        make([]UploadInfo, 0, len(out.Uploads)),
	}
	if out.IsTruncated {
		result.NextKeyMarker = out.NextKeyMarker
		result.NextUploadIdMarker = out.NextUploadIdMarker
	}
	for _, up := range out.Uploads {
		result.Uploads = append(result.Uploads, UploadInfo{
			Key:       up.Key,
			UploadId:  up.UploadID,
			Initiated: up.Initiated.UTC().Format(time.RFC3339),
		})
	}
	writeXML(w, result)
}
