package fault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSwitch is a minimal admin endpoint that counts state changes.
type fakeSwitch struct {
	mu      sync.Mutex
	enabled bool
	puts    int
	broken  bool
}

func (f *fakeSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != AdminPath+string(DataCorruption) {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		f.puts++
		if !f.broken {
			f.enabled = true
		}
	case http.MethodDelete:
		f.enabled = false
	}
	_ = json.NewEncoder(w).Encode(Status{Mode: DataCorruption, Enabled: f.enabled})
}

func TestHTTPEnableIsIdempotent(t *testing.T) {
	sw := &fakeSwitch{}
	srv := httptest.NewServer(sw)
	defer srv.Close()

	inj := NewHTTP(srv.URL+"/", srv.Client())
	ctx := context.Background()

	ok, err := inj.EnableDataCorruption(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = inj.EnableDataCorruption(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := inj.Status(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 1, sw.puts)

	require.NoError(t, inj.Reset(ctx))
	active, err = inj.Status(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestHTTPEnableReportsUnconfirmedActivation(t *testing.T) {
	srv := httptest.NewServer(&fakeSwitch{broken: true})
	defer srv.Close()

	ok, err := NewHTTP(srv.URL, srv.Client()).EnableDataCorruption(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "switch unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, srv.Client()).EnableDataCorruption(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type scriptedRunner struct {
	state bool
	calls []string
	fail  string
}

func (s *scriptedRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, name)
	if name == s.fail {
		return []byte("permission denied"), errors.New("exit status 1")
	}
	switch name {
	case "enable":
		s.state = true
		return []byte("ok"), nil
	case "disable":
		s.state = false
		return nil, nil
	case "status":
		if s.state {
			return []byte("loading\ndata_block_corruption: enabled"), nil
		}
		return []byte("data_block_corruption: disabled"), nil
	}
	return nil, errors.New("unknown command")
}

func TestCommandEnableIsIdempotent(t *testing.T) {
	r := &scriptedRunner{}
	inj, err := NewCommand([]string{"enable"}, []string{"disable"}, []string{"status"}, r.run)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := inj.EnableDataCorruption(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, []string{"status", "enable", "status", "status"}, r.calls)

	require.NoError(t, inj.Reset(ctx))
	active, err := inj.Status(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestCommandWithoutStatusTrustsExitCode(t *testing.T) {
	r := &scriptedRunner{}
	inj, err := NewCommand([]string{"enable"}, nil, nil, r.run)
	require.NoError(t, err)

	ok, err := inj.EnableDataCorruption(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, inj.Reset(context.Background()))
}

func TestCommandFailure(t *testing.T) {
	r := &scriptedRunner{fail: "enable"}
	inj, err := NewCommand([]string{"enable"}, []string{"disable"}, []string{"status"}, r.run)
	require.NoError(t, err)

	ok, err := inj.EnableDataCorruption(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, strings.Contains(err.Error(), "permission denied"))
}

func TestNewCommandRequiresEnable(t *testing.T) {
	_, err := NewCommand(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNoopNeverActivates(t *testing.T) {
	ok, err := Noop{}.EnableDataCorruption(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseEnabled(t *testing.T) {
	tests := []struct {
		out  string
		want bool
	}{
		{"true", true},
		{"enabled", true},
		{"flag=on", true},
		{"x\nstate: 1", true},
		{"data_block_corruption: enabled=true", true},
		{`{"enabled": true}`, true},
		{"disabled", false},
		{"", false},
		{"enabled=false", false},
		{"enabled: 0", false},
		{"data_block_corruption: enabled=false", false},
		{"corruption enabled off", false},
		{"enabled\nstatus: disabled", false},
	}
	for _, tt := range tests {
		t.Run(tt.out, func(t *testing.T) {
			assert.Equal(t, tt.want, parseEnabled(tt.out))
		})
	}
}

func TestCommandEnableRunsWhenStatusReportsFalseValue(t *testing.T) {
	var ran []string
	status := "enabled=false"
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ran = append(ran, name)
		if name == "enable" {
			status = "enabled=true"
		}
		return []byte(status), nil
	}
	c, err := NewCommand([]string{"enable"}, []string{"disable"}, []string{"status"}, run)
	require.NoError(t, err)

	active, err := c.EnableDataCorruption(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"status", "enable", "status"}, ran)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindNone, k)

	k, err = ParseKind("HTTP")
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, k)

	_, err = ParseKind("ssh")
	assert.Error(t, err)
}
