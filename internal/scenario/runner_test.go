package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory bucket manager and transfer driver.
type memStore struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	verifier *checksum.Verifier

	// knobs
	downloadErr error
	flipOnRead  bool
	partsAcked  int
	deleteErr   error
	uploadWait  bool
	hideListing bool

	// set when a clean upload observes an enabled fault
	injector *recordingInjector
	overlap  atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{
		buckets:  map[string]bool{},
		objects:  map[string][]byte{},
		verifier: checksum.Default(),
	}
}

func (m *memStore) Create(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = true
	return nil
}

func (m *memStore) Delete(_ context.Context, name string, _ bool) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	for k := range m.objects {
		if len(k) > len(name) && k[:len(name)+1] == name+"/" {
			delete(m.objects, k)
		}
	}
	return nil
}

func (m *memStore) ListObjects(_ context.Context, name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hideListing {
		return nil, nil
	}
	var keys []string
	for k := range m.objects {
		if len(k) > len(name) && k[:len(name)+1] == name+"/" {
			keys = append(keys, k[len(name)+1:])
		}
	}
	return keys, nil
}

func (m *memStore) Name() string { return "sdk" }

func (m *memStore) Upload(ctx context.Context, req transfer.UploadRequest) (*transfer.TransferResult, error) {
	clean := req.Payload.Pattern == payload.UniformRandom
	if m.injector != nil && clean && m.injector.enabled.Load() {
		m.overlap.Store(true)
	}
	if m.uploadWait {
		<-ctx.Done()
		return nil, &transfer.TransportError{Op: "upload-part", Bucket: req.Bucket, Key: req.Key, Err: ctx.Err()}
	}
	if m.injector != nil {
		// give a concurrent fault scenario the chance to overlap if locking were broken
		time.Sleep(5 * time.Millisecond)
		if clean && m.injector.enabled.Load() {
			m.overlap.Store(true)
		}
	}

	data, err := os.ReadFile(req.Payload.Path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.buckets[req.Bucket] {
		m.mu.Unlock()
		return nil, &transfer.TransportError{Op: "create-multipart-upload", Bucket: req.Bucket, Key: req.Key, StatusCode: 404, Err: errors.New("NoSuchBucket")}
	}
	m.objects[req.Bucket+"/"+req.Key] = data
	m.mu.Unlock()

	n := req.Parts
	if m.partsAcked > 0 {
		n = m.partsAcked
	}
	parts := make([]transfer.Part, n)
	for i := range parts {
		parts[i] = transfer.Part{Number: int32(i + 1), ETag: fmt.Sprintf("etag-%d", i+1)}
	}
	digest, err := req.Payload.Checksum()
	if err != nil {
		return nil, err
	}
	return &transfer.TransferResult{
		Success: true, Transport: m.Name(), Bucket: req.Bucket, Key: req.Key,
		Path: req.Payload.Path, Size: req.Payload.Size, Checksum: digest,
		Multipart: true, Parts: parts, ETag: fmt.Sprintf("mpu-%d", n),
	}, nil
}

func (m *memStore) Download(_ context.Context, bucket, key, dest string) (*transfer.TransferResult, error) {
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	m.mu.Lock()
	data := append([]byte(nil), m.objects[bucket+"/"+key]...)
	m.mu.Unlock()
	if m.flipOnRead {
		data[0] ^= 0xff
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return nil, err
	}
	digest, err := m.verifier.File(dest)
	if err != nil {
		return nil, err
	}
	return &transfer.TransferResult{Success: true, Transport: m.Name(), Bucket: bucket, Key: key, Path: dest, Size: int64(len(data)), Checksum: digest}, nil
}

// recordingInjector reports activation as configured and counts calls.
type recordingInjector struct {
	activates bool
	enableErr error
	enabled   atomic.Bool
	enables   atomic.Int32
	resets    atomic.Int32
}

func (p *recordingInjector) EnableDataCorruption(context.Context) (bool, error) {
	p.enables.Add(1)
	if p.enableErr != nil {
		return false, p.enableErr
	}
	p.enabled.Store(p.activates)
	return p.activates, nil
}

func (p *recordingInjector) Status(context.Context) (bool, error) { return p.enabled.Load(), nil }

func (p *recordingInjector) Reset(context.Context) error {
	p.resets.Add(1)
	p.enabled.Store(false)
	return nil
}

func newTestRunner(t *testing.T, store *memStore, inj fault.Injector) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRunner(Options{
		Drivers:         map[string]transfer.Driver{"sdk": store},
		Buckets:         store,
		Injector:        inj,
		Generator:       payload.NewSeededGenerator(dir, checksum.Default(), 42),
		TeardownTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return r, dir
}

func cleanScenario() Scenario {
	return Scenario{Name: "clean", Size: 64 << 10, Parts: 4, Pattern: payload.UniformRandom}
}

func corruptScenario() Scenario {
	return Scenario{
		Name:    "corrupt",
		Size:    64 << 10,
		Parts:   4,
		Pattern: payload.Corrupted,
		Fault:   &FaultSpec{Mode: fault.DataCorruption},
	}
}

func integrityError(bucket, key string) error {
	return &transfer.TransferError{Op: "get", Bucket: bucket, Key: key, StatusCode: 500, Code: "InternalError", Err: errors.New("data integrity check failed")}
}

func assertTornDown(t *testing.T, store *memStore, dir string) {
	t.Helper()
	assert.Empty(t, store.buckets, "buckets left behind")
	assert.Empty(t, store.objects, "objects left behind")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "local files left behind")
}

func TestRunCleanPasses(t *testing.T) {
	store := newMemStore()
	r, dir := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), cleanScenario())

	require.NoError(t, out.Err)
	assert.Equal(t, Pass, out.Verdict)
	assert.True(t, checksum.Compare(out.SourceChecksum, out.DownloadChecksum))
	assert.Len(t, out.Upload.Parts, 4)
	assert.Equal(t, "sdk", out.Scenario.Transport)
	assert.Contains(t, out.Bucket, "di-bucket-")
	assert.Empty(t, out.TeardownErrs)
	assertTornDown(t, store, dir)
}

func TestRunCorruptionDetected(t *testing.T) {
	store := newMemStore()
	inj := &recordingInjector{activates: true}
	r, dir := newTestRunner(t, store, inj)
	store.downloadErr = integrityError("b", "k")

	out := r.Run(context.Background(), corruptScenario())

	require.NoError(t, out.Err)
	assert.Equal(t, Pass, out.Verdict)
	assert.True(t, transfer.IsTransferError(out.DownloadErr))
	assert.True(t, out.Scenario.Fault.Active)
	assert.Equal(t, int32(1), inj.enables.Load())
	assert.Equal(t, int32(1), inj.resets.Load())
	assert.False(t, inj.enabled.Load())
	assertTornDown(t, store, dir)
}

func TestRunViolationUndetected(t *testing.T) {
	store := newMemStore()
	r, _ := newTestRunner(t, store, &recordingInjector{activates: true})

	out := r.Run(context.Background(), corruptScenario())

	assert.Equal(t, Fail, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrIntegrityViolationUndetected)
}

func TestRunIntegrityMismatch(t *testing.T) {
	store := newMemStore()
	store.flipOnRead = true
	r, dir := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), cleanScenario())

	assert.Equal(t, Fail, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrIntegrityMismatch)
	assert.False(t, checksum.Compare(out.SourceChecksum, out.DownloadChecksum))
	assertTornDown(t, store, dir)
}

func TestRunFaultNotActivated(t *testing.T) {
	tests := []struct {
		name string
		inj  fault.Injector
	}{
		{"noop injector", fault.Noop{}},
		{"refused", &recordingInjector{activates: false}},
		{"admin error", &recordingInjector{enableErr: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			r, dir := newTestRunner(t, store, tt.inj)

			out := r.Run(context.Background(), corruptScenario())

			assert.Equal(t, Error, out.Verdict)
			assert.ErrorIs(t, out.Err, ErrFaultNotActivated)
			assert.Nil(t, out.Upload, "nothing may be uploaded without an active fault")
			assertTornDown(t, store, dir)
			if p, ok := tt.inj.(*recordingInjector); ok {
				assert.Equal(t, int32(1), p.resets.Load())
			}
		})
	}
}

func TestRunDownloadErrorsInCleanScenario(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		verdict Verdict
	}{
		{"store integrity failure", integrityError("b", "k"), Fail},
		{"transport failure", &transfer.TransportError{Op: "get", StatusCode: 503, Err: errors.New("SlowDown")}, Error},
		{"local io failure", &payload.IOError{Op: "create", Path: "/x", Err: os.ErrPermission}, Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.downloadErr = tt.err
			r, _ := newTestRunner(t, store, &recordingInjector{})

			out := r.Run(context.Background(), cleanScenario())

			assert.Equal(t, tt.verdict, out.Verdict)
			assert.ErrorIs(t, out.Err, tt.err)
		})
	}
}

func TestRunPartCountMismatch(t *testing.T) {
	store := newMemStore()
	store.partsAcked = 3
	r, _ := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), cleanScenario())

	assert.Equal(t, Fail, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrPartCountMismatch)
}

func TestRunResolvesDefaultTransportBeforeValidating(t *testing.T) {
	store := newMemStore()
	dir := t.TempDir()
	r, err := NewRunner(Options{
		Drivers:          map[string]transfer.Driver{"s3cmd": store},
		DefaultTransport: "s3cmd",
		Buckets:          store,
		Generator:        payload.NewSeededGenerator(dir, checksum.Default(), 42),
		TeardownTimeout:  5 * time.Second,
	})
	require.NoError(t, err)

	sc, err := ParseSuite(strings.NewReader("scenarios:\n  - name: whole-object\n    size: 64KiB\n"))
	require.NoError(t, err)
	require.Len(t, sc, 1)

	out := r.Run(context.Background(), sc[0])
	require.NoError(t, out.Err)
	assert.Equal(t, Pass, out.Verdict)
	assert.Equal(t, "s3cmd", out.Scenario.Transport)
	assertTornDown(t, store, dir)

	out = r.Run(context.Background(), Scenario{Name: "unchunked", Size: 64 << 10, Transport: "sdk"})
	assert.Equal(t, Error, out.Verdict)
	assert.ErrorContains(t, out.Err, "parts must be")
}

func TestRunObjectMissingFromListingFails(t *testing.T) {
	store := newMemStore()
	store.hideListing = true
	r, dir := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), cleanScenario())

	assert.Equal(t, Fail, out.Verdict)
	assert.ErrorIs(t, out.Err, ErrObjectNotListed)
	assert.Nil(t, out.Download, "download must not run for an unlisted object")
	assertTornDown(t, store, dir)
}

func TestRunCancelledStillTearsDown(t *testing.T) {
	store := newMemStore()
	store.uploadWait = true
	inj := &recordingInjector{activates: true}
	r, dir := newTestRunner(t, store, inj)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := r.Run(ctx, corruptScenario())

	assert.Equal(t, Error, out.Verdict)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, int32(1), inj.resets.Load())
	assertTornDown(t, store, dir)
}

func TestTeardownErrorKeepsVerdict(t *testing.T) {
	store := newMemStore()
	store.deleteErr = errors.New("bucket busy")
	r, _ := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), cleanScenario())

	assert.Equal(t, Pass, out.Verdict)
	require.Len(t, out.TeardownErrs, 1)
	assert.ErrorIs(t, out.TeardownErrs[0], store.deleteErr)
}

func TestTeardownOrder(t *testing.T) {
	store := newMemStore()
	inj := &recordingInjector{activates: true}
	r, _ := newTestRunner(t, store, inj)
	store.downloadErr = integrityError("b", "k")

	env, err := r.newEnv(corruptScenario())
	require.NoError(t, err)
	_, err = r.execute(context.Background(), env, &Outcome{})
	require.NoError(t, err)

	var names []string
	for i := len(env.cleanups) - 1; i >= 0; i-- {
		names = append(names, env.cleanups[i].name)
	}
	want := []string{"remove download", "reset fault", "remove payload", "delete bucket"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("teardown order mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, r.teardown(context.Background(), env))
}

func TestRunInvalidScenario(t *testing.T) {
	store := newMemStore()
	r, _ := newTestRunner(t, store, &recordingInjector{})

	out := r.Run(context.Background(), Scenario{Name: "broken", Size: 10, Parts: 20})
	assert.Equal(t, Error, out.Verdict)
	assert.Error(t, out.Err)

	out = r.Run(context.Background(), Scenario{Name: "no-driver", Size: 10, Parts: 1, Transport: "s3cmd"})
	assert.Equal(t, Error, out.Verdict)
	assert.Empty(t, store.buckets)
}

func TestRunAllSerializesFaultScenarios(t *testing.T) {
	store := newMemStore()
	inj := &recordingInjector{activates: true}
	store.injector = inj
	r, _ := newTestRunner(t, store, inj)

	// corrupted scenarios see an undetected violation here; only ordering matters
	var suite []Scenario
	for i := range 12 {
		sc := cleanScenario()
		if i%3 == 0 {
			sc = corruptScenario()
		}
		sc.Name = fmt.Sprintf("s%02d", i)
		suite = append(suite, sc)
	}

	outcomes := r.RunAll(context.Background(), suite, 4)

	require.Len(t, outcomes, len(suite))
	for i, out := range outcomes {
		assert.Equal(t, suite[i].Name, out.Scenario.Name)
	}
	assert.False(t, store.overlap.Load(), "a clean scenario ran while the fault was active")
	assert.Equal(t, int32(4), inj.resets.Load())

	buckets := map[string]bool{}
	for _, out := range outcomes {
		assert.False(t, buckets[out.Bucket], "bucket name reused")
		buckets[out.Bucket] = true
	}
}

func TestRunAllCancelled(t *testing.T) {
	store := newMemStore()
	r, _ := newTestRunner(t, store, &recordingInjector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := r.RunAll(ctx, []Scenario{cleanScenario(), cleanScenario()}, 1)
	for _, out := range outcomes {
		assert.Equal(t, Error, out.Verdict)
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	store := newMemStore()
	reg := prometheus.NewRegistry()
	r, err := NewRunner(Options{
		Drivers:   map[string]transfer.Driver{"sdk": store},
		Buckets:   store,
		Injector:  fault.Noop{},
		Generator: payload.NewGenerator(t.TempDir(), nil),
		Metrics:   metrics.New(reg),
	})
	require.NoError(t, err)

	r.Run(context.Background(), cleanScenario())
	r.Run(context.Background(), corruptScenario())

	count, err := promtestutil.GatherAndCount(reg, "dura_scenarios_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClassify(t *testing.T) {
	src := checksum.Digest{Algorithm: checksum.SHA256, Value: "aa"}
	same := &transfer.TransferResult{Checksum: src}
	other := &transfer.TransferResult{Checksum: checksum.Digest{Algorithm: checksum.SHA256, Value: "bb"}}
	integrity := integrityError("b", "k")
	transport := &transfer.TransportError{Op: "get", Err: io.ErrUnexpectedEOF}

	tests := []struct {
		name    string
		expect  Expectation
		dl      *transfer.TransferResult
		err     error
		verdict Verdict
		is      error
	}{
		{"detected", ViolationDetected, nil, integrity, Pass, nil},
		{"undetected", ViolationDetected, same, nil, Fail, ErrIntegrityViolationUndetected},
		{"detection transport error", ViolationDetected, nil, transport, Error, transport},
		{"preserved", IntegrityPreserved, same, nil, Pass, nil},
		{"mismatch", IntegrityPreserved, other, nil, Fail, ErrIntegrityMismatch},
		{"store refused clean object", IntegrityPreserved, nil, integrity, Fail, integrity},
		{"clean transport error", IntegrityPreserved, nil, transport, Error, transport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := classify(tt.expect, src, tt.dl, tt.err)
			assert.Equal(t, tt.verdict, verdict)
			if tt.is == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}
