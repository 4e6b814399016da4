package api

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/netip"
	"regexp"
	"time"

	"github.com/kumasuke/dura/internal/storage"
)

// ListAllMyBucketsResult is the ListBuckets response.
type ListAllMyBucketsResult struct {
	XMLName xml.Name     `xml:"ListAllMyBucketsResult"`
	Xmlns   string       `xml:"xmlns,attr"`
	Owner   Owner        `xml:"Owner"`
	Buckets []BucketInfo `xml:"Buckets>Bucket"`
}

// Owner is the single sandbox account.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName,omitempty"`
}

// BucketInfo is one entry of ListBuckets.
type BucketInfo struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

// LocationConstraint is the GetBucketLocation response.
type LocationConstraint struct {
	XMLName  xml.Name `xml:"LocationConstraint"`
	Xmlns    string   `xml:"xmlns,attr"`
	Location string   `xml:",chardata"`
}

var sandboxOwner = Owner{ID: "dura", DisplayName: "dura"}

var bucketName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateBucketName reports whether name follows the S3 bucket naming rules:
// 3 to 63 lowercase letters, digits, dots and hyphens, starting and ending
// with a letter or digit, and not an IPv4 address.
func ValidateBucketName(name string) bool {
	if !bucketName.MatchString(name) {
		return false
	}
	addr, err := netip.ParseAddr(name)
	return err != nil || !addr.Is4()
}

// CreateBucket handles PUT /{bucket}. Creating a bucket the caller already
// owns answers BucketAlreadyOwnedByYou.
func (h *Handler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	bucket := GetBucket(r)
	if !ValidateBucketName(bucket) {
		WriteErrorWithResource(w, ErrInvalidBucketName, "/"+bucket)
		return
	}

	switch err := h.storage.CreateBucket(r.Context(), bucket); {
	case errors.Is(err, storage.ErrBucketAlreadyExists):
		WriteErrorWithResource(w, ErrBucketAlreadyOwnedByYou, "/"+bucket)
	case err != nil:
		writeStorageError(w, err, bucket, "")
	default:
		w.Header().Set("Location", "/"+bucket)
		w.WriteHeader(http.StatusOK)
	}
}

// DeleteBucket handles DELETE /{bucket}. The bucket must hold no objects;
// pending uploads are discarded with it.
func (h *Handler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := GetBucket(r)

	switch err := h.storage.DeleteBucket(r.Context(), bucket); {
	case errors.Is(err, storage.ErrBucketNotEmpty):
		WriteErrorWithResource(w, ErrBucketNotEmpty, "/"+bucket)
	case err != nil:
		writeStorageError(w, err, bucket, "")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// HeadBucket handles HEAD /{bucket}. HEAD responses carry no body, so only
// the status is written.
func (h *Handler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	_, err := h.storage.HeadBucket(r.Context(), GetBucket(r))
	switch {
	case errors.Is(err, storage.ErrBucketNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// ListBuckets handles GET /.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.storage.ListBuckets(r.Context())
	if err != nil {
		writeStorageError(w, err, "", "")
		return
	}

	result := ListAllMyBucketsResult{
		Xmlns:   s3Namespace,
		Owner:   sandboxOwner,
		Buckets: make([]BucketInfo, 0, len(buckets)),
	}
	for _, b := range buckets {
		result.Buckets = append(result.Buckets, BucketInfo{
			Name:         b.Name,
			CreationDate: b.CreationDate.UTC().Format(time.RFC3339),
		})
	}
	writeXML(w, result)
}

// GetBucketLocation handles GET /{bucket}?location. The sandbox always
// reports us-east-1, which S3 encodes as an empty constraint.
func (h *Handler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	bucket := GetBucket(r)
	if _, err := h.storage.HeadBucket(r.Context(), bucket); err != nil {
		writeStorageError(w, err, bucket, "")
		return
	}
	writeXML(w, LocationConstraint{Xmlns: s3Namespace})
}
