package api

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kumasuke/dura/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, storage.Storage) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewFileSystem(filepath.Join(dir, "data"), filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewHandler(store), store
}

func serve(h http.HandlerFunc, method, target, bucket, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, WithTarget(req, bucket, key))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var doc S3Error
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	assert.NotEmpty(t, doc.RequestID)
	assert.Equal(t, doc.RequestID, rec.Header().Get("X-Amz-Request-Id"))
	return doc.Code
}

func TestValidateBucketName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"dura-bucket", true},
		{"a.b.c", true},
		{"abc", true},
		{"ab", false},
		{strings.Repeat("a", 64), false},
		{"UpperCase", false},
		{"-leading", false},
		{"trailing-", false},
		{"under_score", false},
		{"192.168.1.10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateBucketName(tt.name))
		})
	}
}

func TestCreateBucket(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h.CreateBucket, http.MethodPut, "/bkt", "bkt", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/bkt", rec.Header().Get("Location"))

	rec = serve(h.CreateBucket, http.MethodPut, "/bkt", "bkt", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BucketAlreadyOwnedByYou", errorCode(t, rec))

	rec = serve(h.CreateBucket, http.MethodPut, "/Bad_Name", "Bad_Name", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidBucketName", errorCode(t, rec))
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, "bkt"))
	_, err := store.PutObject(ctx, "bkt", "k", strings.NewReader("data"), 4, "", nil)
	require.NoError(t, err)

	rec := serve(h.DeleteBucket, http.MethodDelete, "/bkt", "bkt", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "BucketNotEmpty", errorCode(t, rec))

	require.NoError(t, store.DeleteObject(ctx, "bkt", "k"))
	rec = serve(h.DeleteBucket, http.MethodDelete, "/bkt", "bkt", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h.HeadBucket, http.MethodHead, "/bkt", "bkt", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestGetBucketLocation(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.CreateBucket(context.Background(), "bkt"))

	rec := serve(h.GetBucketLocation, http.MethodGet, "/bkt?location", "bkt", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loc LocationConstraint
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &loc))
	assert.Empty(t, loc.Location)

	rec = serve(h.GetBucketLocation, http.MethodGet, "/missing?location", "missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NoSuchBucket", errorCode(t, rec))
}

func TestPartsToComplete(t *testing.T) {
	tests := []struct {
		name    string
		numbers []int32
		wantErr *S3Error
	}{
		{"ascending", []int32{1, 2, 5}, nil},
		{"empty", nil, ErrMalformedXML},
		{"duplicate", []int32{1, 1}, ErrInvalidPartOrder},
		{"descending", []int32{2, 1}, ErrInvalidPartOrder},
		{"zero", []int32{0}, ErrInvalidPartOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &CompleteMultipartUploadRequest{}
			for _, n := range tt.numbers {
				req.Parts = append(req.Parts, CompletePart{PartNumber: n, ETag: `"x"`})
			}
			parts, err := partsToComplete(req)
			if tt.wantErr != nil {
				assert.Same(t, tt.wantErr, err)
				return
			}
			require.Nil(t, err)
			require.Len(t, parts, len(tt.numbers))
			for i, p := range parts {
				assert.Equal(t, tt.numbers[i], p.PartNumber)
			}
		})
	}
}

func TestMultipartHandlers(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.CreateBucket(context.Background(), "bkt"))

	rec := serve(h.CreateMultipartUpload, http.MethodPost, "/bkt/obj?uploads", "bkt", "obj", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var initiated InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &initiated))
	id := initiated.UploadId
	require.NotEmpty(t, id)

	rec = serve(h.UploadPart, http.MethodPut, "/bkt/obj?partNumber=0&uploadId="+id, "bkt", "obj", "x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidArgument", errorCode(t, rec))

	var etags []string
	for _, n := range []string{"1", "2"} {
		rec = serve(h.UploadPart, http.MethodPut, "/bkt/obj?partNumber="+n+"&uploadId="+id, "bkt", "obj", "part-"+n)
		require.Equal(t, http.StatusOK, rec.Code)
		etags = append(etags, rec.Header().Get("ETag"))
	}

	rec = serve(h.ListParts, http.MethodGet, "/bkt/obj?uploadId="+id+"&max-parts=1", "bkt", "obj", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed ListPartsResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &listed))
	assert.True(t, listed.IsTruncated)
	assert.EqualValues(t, 1, listed.NextPartNumberMarker)
	require.Len(t, listed.Parts, 1)
	assert.Equal(t, etags[0], listed.Parts[0].ETag)

	body := `<CompleteMultipartUpload><Part><PartNumber>1</PartNumber><ETag>` + etags[0] +
		`</ETag></Part><Part><PartNumber>2</PartNumber><ETag>` + etags[1] + `</ETag></Part></CompleteMultipartUpload>`
	rec = serve(h.CompleteMultipartUpload, http.MethodPost, "/bkt/obj?uploadId="+id, "bkt", "obj", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var done CompleteMultipartUploadResult
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &done))
	assert.True(t, strings.HasSuffix(strings.Trim(done.ETag, `"`), "-2"))

	rec = serve(h.GetObject, http.MethodGet, "/bkt/obj", "bkt", "obj", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "part-1part-2", rec.Body.String())

	rec = serve(h.AbortMultipartUpload, http.MethodDelete, "/bkt/obj?uploadId="+id, "bkt", "obj", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NoSuchUpload", errorCode(t, rec))
}
