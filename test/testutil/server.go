// Package testutil runs an in-process sandbox target for tests.
package testutil

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/kumasuke/dura/internal/config"
	"github.com/kumasuke/dura/internal/server"
	"github.com/kumasuke/dura/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// TestServer is a sandbox listening on a loopback port for one test.
type TestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	DataDir   string

	server *server.Server
}

// NewTestServer starts a sandbox without request authentication. It is shut
// down when the test finishes.
func NewTestServer(t testing.TB) *TestServer {
	t.Helper()
	return start(t, false)
}

// NewTestServerWithAuth starts a sandbox that verifies SigV4 signatures.
func NewTestServerWithAuth(t testing.TB) *TestServer {
	t.Helper()
	return start(t, true)
}

func start(t testing.TB, withAuth bool) *TestServer {
	t.Helper()

	dir := t.TempDir()
	srv, err := server.New(config.SandboxConfig{
		DataDir:    dir,
		MetadataDB: filepath.Join(dir, "metadata.db"),
		Auth:       withAuth,
		AccessKey:  testAccessKey,
		SecretKey:  testSecretKey,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		srv.Storage().Close()
		t.Fatalf("listen: %v", err)
	}

	ts := &TestServer{
		Endpoint:  "http://" + ln.Addr().String(),
		AccessKey: testAccessKey,
		SecretKey: testSecretKey,
		DataDir:   dir,
		server:    srv,
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			t.Logf("sandbox: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Logf("sandbox shutdown: %v", err)
		}
	})

	require.Eventually(t, ts.ready, 5*time.Second, 10*time.Millisecond, "sandbox did not come up")
	return ts
}

func (ts *TestServer) ready() bool {
	resp, err := http.Get(ts.Endpoint + "/")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Storage returns the store behind the sandbox.
func (ts *TestServer) Storage() storage.Storage {
	return ts.server.Storage()
}
