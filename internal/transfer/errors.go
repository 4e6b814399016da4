package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// TransportError is a network, credential, timeout or availability failure on
// an otherwise valid operation. Callers may retry it.
type TransportError struct {
	Op         string
	Bucket     string
	Key        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s s3://%s/%s: transport failure", e.Op, e.Bucket, e.Key)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a per-call deadline.
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IncompleteUploadError reports an inconsistent part set at completion time.
type IncompleteUploadError struct {
	UploadID string
	Reason   string
	Err      error
}

func (e *IncompleteUploadError) Error() string {
	msg := fmt.Sprintf("multipart upload %s incomplete: %s", e.UploadID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IncompleteUploadError) Unwrap() error {
	return e.Err
}

// TransferError is an integrity failure signalled by the store while serving
// a download, surfaced as a 5xx response.
type TransferError struct {
	Op         string
	Bucket     string
	Key        string
	StatusCode int
	Code       string
	Err        error
}

func (e *TransferError) Error() string {
	code := e.Code
	if code == "" {
		code = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s s3://%s/%s: store rejected transfer with %d %s", e.Op, e.Bucket, e.Key, e.StatusCode, code)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another caller-level attempt. A
// call that ran out its deadline is not retried; the timeout is reported.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te) && !te.Timeout()
}

// IsTransferError reports whether err carries a store-signalled integrity failure.
func IsTransferError(err error) bool {
	var te *TransferError
	return errors.As(err, &te)
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

// transportError wraps err unless it already carries a classification.
func transportError(op, bucket, key string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var xe *TransferError
	if errors.As(err, &xe) {
		return err
	}
	return &TransportError{Op: op, Bucket: bucket, Key: key, StatusCode: statusCode(err), Err: err}
}

// downloadError classifies a failed read. Server errors other than 503 are the
// store refusing to hand out data; everything else is transport.
func downloadError(op, bucket, key string, err error) error {
	status := statusCode(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		return &TransferError{
			Op:         op,
			Bucket:     bucket,
			Key:        key,
			StatusCode: status,
			Code:       errorCode(err),
			Err:        err,
		}
	}
	return transportError(op, bucket, key, err)
}
