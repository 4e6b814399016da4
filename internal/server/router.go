package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kumasuke/dura/internal/api"
	"github.com/kumasuke/dura/internal/auth"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsPath serves the sandbox's prometheus collectors.
const MetricsPath = "/_admin/metrics"

// NewRouter assembles the sandbox routes. Admin endpoints bypass the
// authenticator; everything else is dispatched as an S3 request. With a nil
// registry no request metrics are collected or served.
func NewRouter(handler *api.Handler, authenticator auth.Authenticator, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(Recover, AccessLog)
	if reg != nil {
		r.Use(Instrument(metrics.NewSandbox(reg)))
		r.Handle(MetricsPath, metrics.Handler(reg))
	}

	r.Mount(strings.TrimSuffix(fault.AdminPath, "/"), handler.FaultRoutes())
	r.Handle("/*", authenticator.Wrap(dispatch(handler)))
	return r
}

// dispatch routes S3 requests by method, path-style bucket/key and query.
func dispatch(h *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		query := req.URL.Query()

		// S3 path-style: /{bucket} or /{bucket}/{key}
		bucket, key, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
		req = api.WithTarget(req, bucket, key)

		switch req.Method {
		case http.MethodGet:
			switch {
			case bucket == "":
				h.ListBuckets(w, req)
			case key == "" && query.Has("uploads"):
				h.ListMultipartUploads(w, req)
			case key == "" && query.Has("location"):
				h.GetBucketLocation(w, req)
			case key == "":
				h.ListObjectsV2(w, req)
			case query.Has("uploadId"):
				h.ListParts(w, req)
			default:
				h.GetObject(w, req)
			}

		case http.MethodPut:
			switch {
			case bucket == "":
				api.WriteError(w, api.ErrInvalidRequest)
			case key == "":
				h.CreateBucket(w, req)
			case query.Has("partNumber") && query.Has("uploadId"):
				h.UploadPart(w, req)
			default:
				h.PutObject(w, req)
			}

		case http.MethodPost:
			switch {
			case bucket != "" && key == "" && query.Has("delete"):
				h.DeleteObjects(w, req)
			case key != "" && query.Has("uploads"):
				h.CreateMultipartUpload(w, req)
			case key != "" && query.Has("uploadId"):
				h.CompleteMultipartUpload(w, req)
			default:
				api.WriteError(w, api.ErrInvalidRequest)
			}

		case http.MethodDelete:
			switch {
			case bucket == "":
				api.WriteError(w, api.ErrInvalidRequest)
			case key == "":
				h.DeleteBucket(w, req)
			case query.Has("uploadId"):
				h.AbortMultipartUpload(w, req)
			default:
				h.DeleteObject(w, req)
			}

		case http.MethodHead:
			switch {
			case bucket == "":
				api.WriteError(w, api.ErrInvalidRequest)
			case key == "":
				h.HeadBucket(w, req)
			default:
				h.HeadObject(w, req)
			}

		default:
			api.WriteError(w, api.ErrMethodNotAllowed)
		}
	}
}
