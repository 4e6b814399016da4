package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kumasuke/dura/internal/bucket"
	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/config"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/retry"
	"github.com/kumasuke/dura/internal/scenario"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func newVerifier(cfg *config.Config) (*checksum.Verifier, error) {
	alg, err := checksum.ParseAlgorithm(cfg.Checksum.Algorithm)
	if err != nil {
		return nil, err
	}
	return checksum.New(alg)
}

func newTarget(cfg *config.Config) transfer.Target {
	return transfer.Target{
		Endpoint:    cfg.Target.Endpoint,
		Region:      cfg.Target.Region,
		AccessKey:   cfg.Target.AccessKey,
		SecretKey:   cfg.Target.SecretKey,
		PathStyle:   cfg.Target.PathStyle,
		Insecure:    !cfg.Target.TLSVerify,
		MaxAttempts: cfg.Target.MaxAttempts,
	}
}

func newGenerator(cfg *config.Config, verifier *checksum.Verifier) *payload.Generator {
	if cfg.Run.Seed != 0 {
		return payload.NewSeededGenerator(cfg.Run.WorkDir, verifier, cfg.Run.Seed)
	}
	return payload.NewGenerator(cfg.Run.WorkDir, verifier)
}

// newInjector builds the configured fault injector.
func newInjector(cfg *config.Config) (fault.Injector, error) {
	kind, err := fault.ParseKind(cfg.Fault.Kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case fault.KindHTTP:
		base := cfg.Fault.AdminURL
		if base == "" {
			base = cfg.Target.Endpoint
		}
		return fault.NewHTTP(base, &http.Client{Timeout: cfg.Target.RequestTimeout}), nil
	case fault.KindCommand:
		c, err := fault.NewCommand(cfg.Fault.EnableCommand, cfg.Fault.DisableCommand, cfg.Fault.StatusCommand, fault.ExecRunner)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return fault.Noop{}, nil
	}
}

// newDrivers builds every transfer driver the configuration allows. The CLI
// drivers are only created when their tool is requested somewhere.
func newDrivers(ctx context.Context, cfg *config.Config, verifier *checksum.Verifier, m *metrics.Metrics, tools map[string]bool) (map[string]transfer.Driver, *bucket.Manager, error) {
	target := newTarget(cfg)
	client, err := transfer.NewClient(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	drivers := map[string]transfer.Driver{
		"sdk": transfer.NewSDK(client, transfer.Options{
			RequestTimeout: cfg.Target.RequestTimeout,
			PartWorkers:    cfg.Transport.PartWorkers,
			PartRetry: retry.Policy{
				Attempts:   cfg.Transport.PartRetries,
				Backoff:    cfg.Transport.RetryBackoff,
				MaxBackoff: 10 * cfg.Transport.RetryBackoff,
			},
			DownloadPartSize:    cfg.Transport.DownloadPartBytes(),
			DownloadConcurrency: cfg.Transport.DownloadConcurrency,
			Verifier:            verifier,
			Metrics:             m,
		}),
	}

	for _, tool := range []transfer.Tool{transfer.S3cmd, transfer.MC} {
		if !tools[string(tool)] {
			continue
		}
		opts := transfer.CLIOptions{
			Tool:     tool,
			Target:   target,
			Timeout:  cfg.Target.TransferTimeout,
			Verifier: verifier,
			Metrics:  m,
		}
		if tool == transfer.S3cmd {
			opts.Binary = cfg.Transport.S3cmd.Binary
			opts.ChunkSizeMB = cfg.Transport.S3cmd.ChunkSizeMB
			opts.HostBucket = cfg.Transport.S3cmd.HostBucket
		} else {
			opts.Binary = cfg.Transport.MC.Binary
			opts.Alias = cfg.Transport.MC.Alias
			opts.ConfigDir = cfg.Transport.MC.ConfigDir
		}
		d, err := transfer.NewCLI(opts)
		if err != nil {
			return nil, nil, err
		}
		drivers[d.Name()] = d
	}

	return drivers, bucket.NewManager(client, cfg.Target.RequestTimeout), nil
}

// newRunner wires a scenario runner from cfg.
func newRunner(ctx context.Context, cfg *config.Config, m *metrics.Metrics, scenarios []scenario.Scenario) (*scenario.Runner, error) {
	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	injector, err := newInjector(cfg)
	if err != nil {
		return nil, err
	}

	tools := map[string]bool{cfg.Transport.Kind: true}
	for _, sc := range scenarios {
		tools[sc.Transport] = true
	}
	drivers, buckets, err := newDrivers(ctx, cfg, verifier, m, tools)
	if err != nil {
		return nil, err
	}

	return scenario.NewRunner(scenario.Options{
		Drivers:          drivers,
		DefaultTransport: cfg.Transport.Kind,
		Buckets:          buckets,
		Injector:         injector,
		Generator:        newGenerator(cfg, verifier),
		Metrics:          m,
		TeardownTimeout:  cfg.Target.TransferTimeout,
	})
}

// serveMetrics exposes reg on addr until the returned stop function is called.
// An empty addr serves nothing.
func serveMetrics(addr string, reg *prometheus.Registry) (stop func()) {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown")
		}
	}
}
