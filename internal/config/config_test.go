package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Target.MaxAttempts)
	assert.Equal(t, "sdk", cfg.Transport.Kind)
	assert.Equal(t, int64(8<<20), cfg.Transport.DownloadPartBytes())
	assert.Equal(t, "http", cfg.Fault.Kind)
	assert.Equal(t, 9000, cfg.Sandbox.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dura.yaml")
	content := `
target:
  endpoint: https://s3.example.test
  tls_verify: false
  request_timeout: 10s
transport:
  part_workers: 8
  download_part_size: 16MiB
fault:
  kind: command
  enable_command: ["kubectl", "exec", "m0d", "--", "fi-enable"]
run:
  parallel: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://s3.example.test", cfg.Target.Endpoint)
	assert.False(t, cfg.Target.TLSVerify)
	assert.Equal(t, 10*time.Second, cfg.Target.RequestTimeout)
	assert.Equal(t, 8, cfg.Transport.PartWorkers)
	assert.Equal(t, int64(16<<20), cfg.Transport.DownloadPartBytes())
	assert.Equal(t, []string{"kubectl", "exec", "m0d", "--", "fi-enable"}, cfg.Fault.EnableCommand)
	assert.Equal(t, 2, cfg.Run.Parallel)

	// untouched keys keep their defaults
	assert.Equal(t, "us-east-1", cfg.Target.Region)
	assert.Equal(t, 15, cfg.Transport.S3cmd.ChunkSizeMB)
}

func TestLoadFromFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dura.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  download_part_size: lots\n"), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DURA_TARGET_ENDPOINT", "http://10.0.0.1:9000")
	t.Setenv("DURA_RUN_PARALLEL", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.1:9000", cfg.Target.Endpoint)
	assert.Equal(t, 3, cfg.Run.Parallel)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"5MiB", 5 << 20, false},
		{"512 MiB", 512 << 20, false},
		{"1KB", 1000, false},
		{"0", 0, true},
		{"", 0, true},
		{"many", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
