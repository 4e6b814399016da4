// Package api provides the S3 API handlers of the sandbox target.
package api

import (
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// S3Error is an S3 error document together with its HTTP status.
type S3Error struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`

	HTTPStatus int `xml:"-"`
}

func (e *S3Error) Error() string {
	return e.Message
}

func s3Error(status int, code, message string) *S3Error {
	return &S3Error{Code: code, Message: message, HTTPStatus: status}
}

// Authentication.
var (
	ErrAccessDenied          = s3Error(http.StatusForbidden, "AccessDenied", "Access Denied")
	ErrInvalidAccessKeyId    = s3Error(http.StatusForbidden, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.")
	ErrSignatureDoesNotMatch = s3Error(http.StatusForbidden, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.")
	ErrRequestTimeTooSkewed  = s3Error(http.StatusForbidden, "RequestTimeTooSkewed", "The difference between the request time and the server's time is too large.")
)

// Buckets and objects.
var (
	ErrBucketAlreadyOwnedByYou = s3Error(http.StatusConflict, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.")
	ErrBucketNotEmpty          = s3Error(http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty.")
	ErrInvalidBucketName       = s3Error(http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid.")
	ErrNoSuchBucket            = s3Error(http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.")
	ErrNoSuchKey               = s3Error(http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
	ErrInvalidRange            = s3Error(http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable.")
)

// Multipart uploads.
var (
	ErrNoSuchUpload     = s3Error(http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed.")
	ErrInvalidPart      = s3Error(http.StatusBadRequest, "InvalidPart", "One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag.")
	ErrInvalidPartOrder = s3Error(http.StatusBadRequest, "InvalidPartOrder", "The list of parts was not in ascending order. Parts must be ordered by part number.")
)

// Malformed requests.
var (
	ErrInvalidRequest       = s3Error(http.StatusBadRequest, "InvalidRequest", "Invalid Request")
	ErrInvalidArgument      = s3Error(http.StatusBadRequest, "InvalidArgument", "Invalid Argument")
	ErrMalformedXML         = s3Error(http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.")
	ErrMissingContentLength = s3Error(http.StatusLengthRequired, "MissingContentLength", "You must provide the Content-Length HTTP header.")
	ErrMethodNotAllowed     = s3Error(http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.")
	ErrIncompleteBody       = s3Error(http.StatusBadRequest, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.")
	// ErrBadDigest rejects an upload whose trailing checksum does not match
	// the bytes received.
	ErrBadDigest = s3Error(http.StatusBadRequest, "BadDigest", "The checksum you specified did not match what we received.")
)

// Server side failures.
var (
	ErrInternalError = s3Error(http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
	// ErrDataIntegrity is returned when stored data fails its checksum on read.
	ErrDataIntegrity = s3Error(http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again. (data integrity check failed)")
	ErrNoSuchFault   = s3Error(http.StatusNotFound, "NoSuchFault", "The specified fault mode is not supported.")
)

// WriteError writes an S3 error response.
func WriteError(w http.ResponseWriter, err *S3Error) {
	WriteErrorWithResource(w, err, "")
}

// WriteErrorWithResource writes an S3 error response naming the resource.
func WriteErrorWithResource(w http.ResponseWriter, err *S3Error, resource string) {
	doc := *err
	doc.Resource = resource
	doc.RequestID = requestID()

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("X-Amz-Request-Id", doc.RequestID)
	w.WriteHeader(err.HTTPStatus)

	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func requestID() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:8]))
}
