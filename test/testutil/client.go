package testutil

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/stretchr/testify/require"
)

// Target describes the test server as a transfer target.
func (ts *TestServer) Target() transfer.Target {
	return transfer.Target{
		Endpoint:    ts.Endpoint,
		Region:      "us-east-1",
		AccessKey:   ts.AccessKey,
		SecretKey:   ts.SecretKey,
		PathStyle:   true,
		MaxAttempts: 1,
	}
}

// S3Client returns an S3 client configured for the test server.
func (ts *TestServer) S3Client(t testing.TB) *s3.Client {
	t.Helper()

	client, err := transfer.NewClient(context.Background(), ts.Target())
	require.NoError(t, err)
	return client
}

// Injector returns a fault injector bound to the test server's admin API.
func (ts *TestServer) Injector() *fault.HTTP {
	return fault.NewHTTP(ts.Endpoint, nil)
}

// CreateTestBucket creates name directly in the store, bypassing HTTP.
func (ts *TestServer) CreateTestBucket(t testing.TB, name string) {
	t.Helper()

	require.NoError(t, ts.Storage().CreateBucket(context.Background(), name))
}

// RandomBucketName returns a valid bucket name unlikely to collide.
func RandomBucketName() string {
	return "dura-test-" + uuid.NewString()[:8]
}

// RandomObjectKey returns a key unlikely to collide.
func RandomObjectKey() string {
	return "objects/" + uuid.NewString()
}
