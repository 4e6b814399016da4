package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/rs/zerolog/log"
)

// Tool names a supported command line client.
type Tool string

const (
	S3cmd Tool = "s3cmd"
	MC    Tool = "mc"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CLIOptions configures a command line transport.
type CLIOptions struct {
	Tool   Tool
	Binary string
	Target Target
	// ChunkSizeMB is the multipart chunk size handed to s3cmd.
	ChunkSizeMB int
	// HostBucket is the s3cmd host_bucket template; empty means path style.
	HostBucket string
	// Alias and ConfigDir isolate the mc configuration.
	Alias     string
	ConfigDir string
	// Timeout bounds one whole upload or download command.
	Timeout time.Duration

	Verifier *checksum.Verifier
	Metrics  *metrics.Metrics
	Runner   Runner
}

// CLI transfers payloads by shelling out to s3cmd or mc.
type CLI struct {
	opts     CLIOptions
	host     string
	useTLS   bool
	setup    sync.Once
	setupErr error
}

// NewCLI validates opts and returns a CLI driver.
func NewCLI(opts CLIOptions) (*CLI, error) {
	if opts.Tool != S3cmd && opts.Tool != MC {
		return nil, fmt.Errorf("unsupported cli tool %q", opts.Tool)
	}
	u, err := url.Parse(opts.Target.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid target endpoint %q", opts.Target.Endpoint)
	}
	if opts.Binary == "" {
		opts.Binary = string(opts.Tool)
	}
	if opts.ChunkSizeMB <= 0 {
		opts.ChunkSizeMB = 15
	}
	if opts.Alias == "" {
		opts.Alias = "dura"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.Verifier == nil {
		opts.Verifier = checksum.Default()
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	return &CLI{opts: opts, host: u.Host, useTLS: u.Scheme == "https"}, nil
}

// Name implements Driver.
func (c *CLI) Name() string {
	return string(c.opts.Tool)
}

func (c *CLI) s3cmdArgs(args ...string) []string {
	hostBucket := c.opts.HostBucket
	if hostBucket == "" {
		hostBucket = c.host
	}
	base := []string{
		"--access_key=" + c.opts.Target.AccessKey,
		"--secret_key=" + c.opts.Target.SecretKey,
		"--host=" + c.host,
		"--host-bucket=" + hostBucket,
		"--multipart-chunk-size-mb=" + strconv.Itoa(c.opts.ChunkSizeMB),
	}
	if c.opts.Target.Region != "" {
		base = append(base, "--region="+c.opts.Target.Region)
	}
	if c.useTLS {
		base = append(base, "--ssl")
		if c.opts.Target.Insecure {
			base = append(base, "--no-check-certificate")
		}
	} else {
		base = append(base, "--no-ssl")
	}
	return append(base, args...)
}

func (c *CLI) mcArgs(args ...string) []string {
	var base []string
	if c.opts.ConfigDir != "" {
		base = append(base, "--config-dir", c.opts.ConfigDir)
	}
	if c.opts.Target.Insecure {
		base = append(base, "--insecure")
	}
	return append(base, args...)
}

// prepare registers the mc alias once per driver.
func (c *CLI) prepare(ctx context.Context) error {
	if c.opts.Tool != MC {
		return nil
	}
	c.setup.Do(func() {
		args := c.mcArgs("alias", "set", c.opts.Alias, c.opts.Target.Endpoint, c.opts.Target.AccessKey, c.opts.Target.SecretKey)
		if _, err := c.run(ctx, "alias set", "", "", args); err != nil {
			c.setupErr = err
		}
	})
	return c.setupErr
}

func (c *CLI) run(ctx context.Context, op, bucket, key string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	out, err := c.opts.Runner(ctx, c.opts.Binary, args...)
	text := strings.TrimSpace(string(out))
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return text, &TransportError{Op: op, Bucket: bucket, Key: key, Err: ctx.Err()}
	}
	return text, fmt.Errorf("%s %s: %w: %s", c.opts.Binary, op, err, lastLine(text))
}

func (c *CLI) remote(bucket, key string) string {
	if c.opts.Tool == MC {
		return c.opts.Alias + "/" + bucket + "/" + key
	}
	return "s3://" + bucket + "/" + key
}

// Upload implements Driver. The tool picks its own part layout.
func (c *CLI) Upload(ctx context.Context, req UploadRequest) (*TransferResult, error) {
	if err := c.prepare(ctx); err != nil {
		return nil, transportError("alias set", req.Bucket, req.Key, err)
	}

	var args []string
	if c.opts.Tool == MC {
		args = c.mcArgs("cp", req.Payload.Path, c.remote(req.Bucket, req.Key))
	} else {
		args = c.s3cmdArgs("put", req.Payload.Path, c.remote(req.Bucket, req.Key))
	}

	out, err := c.run(ctx, "put", req.Bucket, req.Key, args)
	if err != nil {
		return nil, transportError("put", req.Bucket, req.Key, err)
	}
	log.Debug().Str("tool", c.Name()).Str("output", lastLine(out)).Msg("Upload command finished")
	c.opts.Metrics.Transferred(metrics.Upload, req.Payload.Size)

	digest, err := req.Payload.Checksum()
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Success:   true,
		Transport: c.Name(),
		Bucket:    req.Bucket,
		Key:       req.Key,
		Path:      req.Payload.Path,
		Size:      req.Payload.Size,
		Checksum:  digest,
		Multipart: req.Payload.Size > int64(c.opts.ChunkSizeMB)<<20,
	}, nil
}

// Download implements Driver. Tool output naming a 5xx or an internal error is
// treated as the store refusing to serve the object.
func (c *CLI) Download(ctx context.Context, bucket, key, dest string) (*TransferResult, error) {
	if err := c.prepare(ctx); err != nil {
		return nil, transportError("alias set", bucket, key, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, &payload.IOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}

	var args []string
	if c.opts.Tool == MC {
		args = c.mcArgs("cp", c.remote(bucket, key), dest)
	} else {
		args = c.s3cmdArgs("get", "--force", c.remote(bucket, key), dest)
	}

	out, err := c.run(ctx, "get", bucket, key, args)
	if err != nil {
		os.Remove(dest)
		var te *TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		if status, ok := serverFailure(out); ok {
			return nil, &TransferError{Op: "get", Bucket: bucket, Key: key, StatusCode: status, Code: "InternalError", Err: err}
		}
		return nil, transportError("get", bucket, key, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, &payload.IOError{Op: "stat", Path: dest, Err: err}
	}
	c.opts.Metrics.Transferred(metrics.Download, info.Size())

	digest, err := c.opts.Verifier.File(dest)
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Success:   true,
		Transport: c.Name(),
		Bucket:    bucket,
		Key:       key,
		Path:      dest,
		Size:      info.Size(),
		Checksum:  digest,
	}, nil
}

var (
	// A status code only counts where the tool prints it as one: after
	// "S3 error:", "status", "HTTP" or an opening parenthesis.
	statusPattern   = regexp.MustCompile(`(?i)(?:s3 error:?|status(?:\s*code)?:?|http(?:/[\d.]+)?|\()\s*(5\d\d)\b`)
	internalPattern = regexp.MustCompile(`(?i)internal\s*error|we encountered an internal error`)
)

// serverFailure scans tool output for a store-side 5xx other than 503
// SlowDown. The first such status wins; output reporting only 503s is not a
// failure.
func serverFailure(out string) (int, bool) {
	matches := statusPattern.FindAllStringSubmatch(out, -1)
	for _, m := range matches {
		status, _ := strconv.Atoi(m[1])
		if status != 503 {
			return status, true
		}
	}
	if len(matches) > 0 {
		return 0, false
	}
	if internalPattern.MatchString(out) {
		return 500, true
	}
	return 0, false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
