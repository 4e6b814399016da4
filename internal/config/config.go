// Package config provides configuration management for the DURA harness and
// its sandbox target.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config holds the harness configuration.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Transport TransportConfig `mapstructure:"transport"`
	Fault     FaultConfig     `mapstructure:"fault"`
	Checksum  ChecksumConfig  `mapstructure:"checksum"`
	Run       RunConfig       `mapstructure:"run"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TargetConfig addresses the object store under test.
type TargetConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
	TLSVerify bool   `mapstructure:"tls_verify"`
	// RequestTimeout bounds a single store call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TransferTimeout bounds a whole download or CLI transfer.
	TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
	// MaxAttempts is handed to the SDK retryer. Keep it at 1 unless the
	// target is known to be flaky; retried timeouts hide store stalls.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// TransportConfig tunes the transfer drivers.
type TransportConfig struct {
	// Kind is sdk, s3cmd or mc.
	Kind                string        `mapstructure:"kind"`
	PartWorkers         int           `mapstructure:"part_workers"`
	PartRetries         int           `mapstructure:"part_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	DownloadPartSize    string        `mapstructure:"download_part_size"`
	DownloadConcurrency int           `mapstructure:"download_concurrency"`
	S3cmd               S3cmdConfig   `mapstructure:"s3cmd"`
	MC                  MCConfig      `mapstructure:"mc"`
}

// S3cmdConfig configures the s3cmd transport.
type S3cmdConfig struct {
	Binary      string `mapstructure:"binary"`
	ChunkSizeMB int    `mapstructure:"chunk_size_mb"`
	HostBucket  string `mapstructure:"host_bucket"`
}

// MCConfig configures the mc transport.
type MCConfig struct {
	Binary    string `mapstructure:"binary"`
	Alias     string `mapstructure:"alias"`
	ConfigDir string `mapstructure:"config_dir"`
}

// FaultConfig selects and configures the failure injector.
type FaultConfig struct {
	// Kind is none, http or command.
	Kind string `mapstructure:"kind"`
	// AdminURL is the base URL of the admin endpoint. Empty means the target endpoint.
	AdminURL       string   `mapstructure:"admin_url"`
	EnableCommand  []string `mapstructure:"enable_command"`
	DisableCommand []string `mapstructure:"disable_command"`
	StatusCommand  []string `mapstructure:"status_command"`
}

// ChecksumConfig selects the checksum algorithm.
type ChecksumConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

// RunConfig controls scenario execution.
type RunConfig struct {
	WorkDir  string `mapstructure:"work_dir"`
	Parallel int    `mapstructure:"parallel"`
	// Seed makes payloads reproducible. Zero uses crypto/rand.
	Seed  uint64 `mapstructure:"seed"`
	Suite string `mapstructure:"suite"`
}

// SandboxConfig holds the in-process sandbox target settings.
type SandboxConfig struct {
	Port       int    `mapstructure:"port"`
	Address    string `mapstructure:"address"`
	DataDir    string `mapstructure:"data_dir"`
	MetadataDB string `mapstructure:"metadata_db"`
	Auth       bool   `mapstructure:"auth"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the prometheus listener settings.
type MetricsConfig struct {
	// Address is the listen address of /metrics. Empty disables it.
	Address string `mapstructure:"address"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Endpoint:        "http://127.0.0.1:9000",
			Region:          "us-east-1",
			AccessKey:       "minioadmin",
			SecretKey:       "minioadmin",
			PathStyle:       true,
			TLSVerify:       true,
			RequestTimeout:  time.Minute,
			TransferTimeout: 30 * time.Minute,
			MaxAttempts:     1,
		},
		Transport: TransportConfig{
			Kind:                "sdk",
			PartWorkers:         4,
			PartRetries:         3,
			RetryBackoff:        200 * time.Millisecond,
			DownloadPartSize:    "8MiB",
			DownloadConcurrency: 4,
			S3cmd: S3cmdConfig{
				Binary:      "s3cmd",
				ChunkSizeMB: 15,
			},
			MC: MCConfig{
				Binary: "mc",
				Alias:  "dura",
			},
		},
		Fault: FaultConfig{
			Kind: "http",
		},
		Checksum: ChecksumConfig{
			Algorithm: "sha256",
		},
		Run: RunConfig{
			WorkDir:  filepath.Join(os.TempDir(), "dura"),
			Parallel: 1,
		},
		Sandbox: SandboxConfig{
			Port:       9000,
			Address:    "0.0.0.0",
			DataDir:    "./data",
			MetadataDB: "./data/metadata.db",
			Auth:       true,
			AccessKey:  "minioadmin",
			SecretKey:  "minioadmin",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("target.endpoint", cfg.Target.Endpoint)
	v.SetDefault("target.region", cfg.Target.Region)
	v.SetDefault("target.access_key", cfg.Target.AccessKey)
	v.SetDefault("target.secret_key", cfg.Target.SecretKey)
	v.SetDefault("target.path_style", cfg.Target.PathStyle)
	v.SetDefault("target.tls_verify", cfg.Target.TLSVerify)
	v.SetDefault("target.request_timeout", cfg.Target.RequestTimeout)
	v.SetDefault("target.transfer_timeout", cfg.Target.TransferTimeout)
	v.SetDefault("target.max_attempts", cfg.Target.MaxAttempts)

	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.part_workers", cfg.Transport.PartWorkers)
	v.SetDefault("transport.part_retries", cfg.Transport.PartRetries)
	v.SetDefault("transport.retry_backoff", cfg.Transport.RetryBackoff)
	v.SetDefault("transport.download_part_size", cfg.Transport.DownloadPartSize)
	v.SetDefault("transport.download_concurrency", cfg.Transport.DownloadConcurrency)
	v.SetDefault("transport.s3cmd.binary", cfg.Transport.S3cmd.Binary)
	v.SetDefault("transport.s3cmd.chunk_size_mb", cfg.Transport.S3cmd.ChunkSizeMB)
	v.SetDefault("transport.s3cmd.host_bucket", cfg.Transport.S3cmd.HostBucket)
	v.SetDefault("transport.mc.binary", cfg.Transport.MC.Binary)
	v.SetDefault("transport.mc.alias", cfg.Transport.MC.Alias)
	v.SetDefault("transport.mc.config_dir", cfg.Transport.MC.ConfigDir)

	v.SetDefault("fault.kind", cfg.Fault.Kind)
	v.SetDefault("fault.admin_url", cfg.Fault.AdminURL)
	v.SetDefault("fault.enable_command", cfg.Fault.EnableCommand)
	v.SetDefault("fault.disable_command", cfg.Fault.DisableCommand)
	v.SetDefault("fault.status_command", cfg.Fault.StatusCommand)

	v.SetDefault("checksum.algorithm", cfg.Checksum.Algorithm)

	v.SetDefault("run.work_dir", cfg.Run.WorkDir)
	v.SetDefault("run.parallel", cfg.Run.Parallel)
	v.SetDefault("run.seed", cfg.Run.Seed)
	v.SetDefault("run.suite", cfg.Run.Suite)

	v.SetDefault("sandbox.port", cfg.Sandbox.Port)
	v.SetDefault("sandbox.address", cfg.Sandbox.Address)
	v.SetDefault("sandbox.data_dir", cfg.Sandbox.DataDir)
	v.SetDefault("sandbox.metadata_db", cfg.Sandbox.MetadataDB)
	v.SetDefault("sandbox.auth", cfg.Sandbox.Auth)
	v.SetDefault("sandbox.access_key", cfg.Sandbox.AccessKey)
	v.SetDefault("sandbox.secret_key", cfg.Sandbox.SecretKey)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("metrics.address", cfg.Metrics.Address)
}

// Load reads configuration from environment variables and config file.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	// Enable environment variables
	v.SetEnvPrefix("DURA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dura")
	v.AddConfigPath("$HOME/.dura")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that are not enforced by their types.
func (c *Config) Validate() error {
	if c.Target.Endpoint == "" {
		return errors.New("target.endpoint is required")
	}
	if _, err := ParseSize(c.Transport.DownloadPartSize); err != nil {
		return fmt.Errorf("transport.download_part_size: %w", err)
	}
	if c.Transport.PartWorkers < 1 {
		return fmt.Errorf("transport.part_workers must be at least 1, got %d", c.Transport.PartWorkers)
	}
	if c.Run.Parallel < 1 {
		return fmt.Errorf("run.parallel must be at least 1, got %d", c.Run.Parallel)
	}
	return nil
}

// DownloadPartBytes returns the parsed download part size.
func (t TransportConfig) DownloadPartBytes() int64 {
	n, _ := ParseSize(t.DownloadPartSize)
	return n
}

// ParseSize parses a human readable byte size such as "5MiB" or "512 MB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}
