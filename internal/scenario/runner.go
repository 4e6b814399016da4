package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultTeardownTimeout bounds the cleanup of one scenario.
const DefaultTeardownTimeout = 2 * time.Minute

// Buckets is the bucket lifecycle the runner needs.
type Buckets interface {
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string, force bool) error
	ListObjects(ctx context.Context, name string) ([]string, error)
}

// Options wires a Runner.
type Options struct {
	// Drivers maps transport names to drivers.
	Drivers map[string]transfer.Driver
	// DefaultTransport is used by scenarios that name none.
	DefaultTransport string
	Buckets          Buckets
	Injector         fault.Injector
	Generator        *payload.Generator
	Metrics          *metrics.Metrics
	TeardownTimeout  time.Duration
}

// Runner executes scenarios. It is safe for concurrent use: scenarios that
// touch the process-wide fault switch run exclusively, all others share.
type Runner struct {
	opts    Options
	faultMu sync.RWMutex
}

// NewRunner validates opts and returns a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Drivers) == 0 {
		return nil, errors.New("scenario runner needs at least one transfer driver")
	}
	if opts.DefaultTransport == "" {
		opts.DefaultTransport = "sdk"
	}
	if opts.Buckets == nil {
		return nil, errors.New("scenario runner needs a bucket manager")
	}
	if opts.Generator == nil {
		return nil, errors.New("scenario runner needs a payload generator")
	}
	if opts.Injector == nil {
		opts.Injector = fault.Noop{}
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Runner{opts: opts}, nil
}

// Env is the per-scenario state shared by every step: the names it owns, the
// resources it acquired and the cleanups that release them.
type Env struct {
	Scenario     Scenario
	Bucket       string
	Key          string
	DownloadPath string
	Driver       transfer.Driver
	Logger       zerolog.Logger

	Payload  *payload.Payload
	cleanups []cleanup
}

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// onTeardown registers a release action. Actions run in reverse order.
func (e *Env) onTeardown(name string, fn func(ctx context.Context) error) {
	e.cleanups = append(e.cleanups, cleanup{name: name, fn: fn})
}

func (e *Env) step(name string) *zerolog.Event {
	return e.Logger.Info().Str("step", name)
}

func (r *Runner) newEnv(sc Scenario) (*Env, error) {
	driver, ok := r.opts.Drivers[sc.Transport]
	if !ok {
		return nil, fmt.Errorf("scenario %s: no driver for transport %q", sc.Name, sc.Transport)
	}
	pattern, err := payload.ParsePattern(string(sc.Pattern))
	if err != nil {
		return nil, err
	}
	sc.Pattern = pattern
	if sc.Fault != nil {
		f := *sc.Fault
		sc.Fault = &f
	}

	env := &Env{
		Scenario:     sc,
		Bucket:       sc.Bucket,
		Key:          sc.Key,
		DownloadPath: r.opts.Generator.TempPath("download") + ".bin",
		Driver:       driver,
	}
	if env.Bucket == "" {
		env.Bucket = "di-bucket-" + uuid.NewString()
	}
	if env.Key == "" {
		env.Key = "di-obj-" + uuid.NewString()
	}
	env.Logger = log.With().
		Str("scenario", sc.Name).
		Str("transport", sc.Transport).
		Str("bucket", env.Bucket).
		Str("key", env.Key).
		Logger()
	return env, nil
}

// Run executes one scenario and tears it down on every path, including
// cancellation of ctx. It never returns nil.
func (r *Runner) Run(ctx context.Context, sc Scenario) *Outcome {
	start := time.Now()
	if sc.Transport == "" {
		sc.Transport = r.opts.DefaultTransport
	}
	out := &Outcome{Scenario: sc}

	if err := sc.Validate(); err != nil {
		return r.finish(out, nil, Error, err, start)
	}
	env, err := r.newEnv(sc)
	if err != nil {
		return r.finish(out, nil, Error, err, start)
	}
	out.Scenario = env.Scenario
	out.Bucket, out.Key = env.Bucket, env.Key

	if env.Scenario.Fault != nil {
		r.faultMu.Lock()
		defer r.faultMu.Unlock()
	} else {
		r.faultMu.RLock()
		defer r.faultMu.RUnlock()
	}

	verdict, err := r.execute(ctx, env, out)
	out.TeardownErrs = r.teardown(ctx, env)
	out.Scenario = env.Scenario
	return r.finish(out, env, verdict, err, start)
}

func (r *Runner) execute(ctx context.Context, env *Env, out *Outcome) (Verdict, error) {
	sc := env.Scenario

	// 1. bucket
	if err := r.opts.Buckets.Create(ctx, env.Bucket); err != nil {
		return Error, fmt.Errorf("create bucket: %w", err)
	}
	env.onTeardown("delete bucket", func(ctx context.Context) error {
		return r.opts.Buckets.Delete(ctx, env.Bucket, true)
	})
	env.step("create-bucket").Msg("Bucket ready")

	// 2. payload and baseline checksum
	p, err := r.opts.Generator.Generate(ctx, sc.Size, sc.Pattern)
	if err != nil {
		return Error, fmt.Errorf("generate payload: %w", err)
	}
	env.Payload = p
	env.onTeardown("remove payload", func(context.Context) error { return p.Remove() })

	out.SourceChecksum, err = p.Checksum()
	if err != nil {
		return Error, fmt.Errorf("source checksum: %w", err)
	}
	env.step("generate-payload").
		Str("path", p.Path).
		Int64("size", p.Size).
		Str("pattern", string(p.Pattern)).
		Str("checksum", out.SourceChecksum.String()).
		Msg("Payload generated")

	// 3. fault
	if sc.Fault != nil {
		env.onTeardown("reset fault", r.opts.Injector.Reset)
		active, err := r.opts.Injector.EnableDataCorruption(ctx)
		env.Scenario.Fault.Active = active
		if err != nil {
			return Error, fmt.Errorf("%w: %w", ErrFaultNotActivated, err)
		}
		if !active {
			return Error, ErrFaultNotActivated
		}
		env.step("enable-fault").Str("mode", string(sc.Fault.Mode)).Msg("Fault enabled")
	}

	// 4. upload
	up, err := env.Driver.Upload(ctx, transfer.UploadRequest{
		Bucket:  env.Bucket,
		Key:     env.Key,
		Payload: p,
		Parts:   sc.Parts,
	})
	if err != nil {
		return Error, fmt.Errorf("upload: %w", err)
	}
	out.Upload = up
	if sc.chunked() && len(up.Parts) != sc.Parts {
		return Fail, fmt.Errorf("%w: uploaded %d, want %d", ErrPartCountMismatch, len(up.Parts), sc.Parts)
	}
	keys, err := r.opts.Buckets.ListObjects(ctx, env.Bucket)
	if err != nil {
		return Error, fmt.Errorf("list objects: %w", err)
	}
	if !slices.Contains(keys, env.Key) {
		return Fail, fmt.Errorf("%w: %s/%s", ErrObjectNotListed, env.Bucket, env.Key)
	}
	env.step("upload").Int("parts", len(up.Parts)).Str("etag", up.ETag).Msg("Payload uploaded")

	// 5. download
	env.onTeardown("remove download", func(context.Context) error {
		return (&payload.Payload{Path: env.DownloadPath}).Remove()
	})
	dl, err := env.Driver.Download(ctx, env.Bucket, env.Key, env.DownloadPath)
	out.Download = dl
	out.DownloadErr = err
	if dl != nil {
		out.DownloadChecksum = dl.Checksum
	}
	env.step("download").AnErr("download_error", err).Msg("Download finished")

	// 6. classify
	return classify(sc.Expected(), out.SourceChecksum, dl, err)
}

// classify maps the download result onto a verdict for the given expectation.
func classify(expect Expectation, source checksum.Digest, dl *transfer.TransferResult, err error) (Verdict, error) {
	switch expect {
	case ViolationDetected:
		switch {
		case err == nil:
			return Fail, ErrIntegrityViolationUndetected
		case transfer.IsTransferError(err):
			return Pass, nil
		default:
			return Error, fmt.Errorf("download: %w", err)
		}

	default:
		switch {
		case transfer.IsTransferError(err):
			return Fail, fmt.Errorf("download: %w", err)
		case err != nil:
			return Error, fmt.Errorf("download: %w", err)
		case !checksum.Compare(source, dl.Checksum):
			return Fail, fmt.Errorf("%w: source %s, downloaded %s", ErrIntegrityMismatch, source, dl.Checksum)
		default:
			return Pass, nil
		}
	}
}

// teardown releases everything env acquired, newest first. Failures are
// logged and collected; they never change the verdict.
func (r *Runner) teardown(ctx context.Context, env *Env) []error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.TeardownTimeout)
	defer cancel()

	var errs []error
	for i := len(env.cleanups) - 1; i >= 0; i-- {
		c := env.cleanups[i]
		if err := c.fn(ctx); err != nil {
			env.Logger.Warn().Err(err).Str("step", "teardown").Str("action", c.name).Msg("Teardown action failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	env.cleanups = nil
	return errs
}

func (r *Runner) finish(out *Outcome, env *Env, verdict Verdict, err error, start time.Time) *Outcome {
	out.Verdict = verdict
	out.Err = err
	out.Duration = time.Since(start)
	r.opts.Metrics.ScenarioFinished(string(verdict), out.Duration)

	logger := log.With().Str("scenario", out.Scenario.Name).Logger()
	if env != nil {
		logger = env.Logger
	}
	out.log(logger)
	return out
}

// RunAll runs scenarios with at most parallel in flight and returns their
// outcomes in input order. After ctx is cancelled no new scenario starts;
// those are reported as ERROR.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario, parallel int) []*Outcome {
	outcomes := make([]*Outcome, len(scenarios))

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for i, sc := range scenarios {
		if ctx.Err() != nil {
			outcomes[i] = r.finish(&Outcome{Scenario: sc}, nil, Error, fmt.Errorf("not started: %w", ctx.Err()), time.Now())
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = r.finish(&Outcome{Scenario: sc}, nil, Error, fmt.Errorf("not started: %w", err), time.Now())
				return nil
			}
			outcomes[i] = r.Run(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
