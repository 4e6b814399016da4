package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kumasuke/dura/internal/metrics"
	"github.com/kumasuke/dura/internal/scenario"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type runOptions struct {
	suite     string
	names     []string
	transport string
	parallel  int
	workDir   string
	seed      uint64
	endpoint  string
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run durability scenarios against the target",
		Long: "Run executes the selected scenarios and prints one JSON verdict per line.\n" +
			"The command fails when any scenario does not pass.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.suite, "suite", "s", "", "suite file (default: built-in suite)")
	cmd.Flags().StringSliceVar(&opts.names, "scenario", nil, "run only the named scenarios")
	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "", "override the transport of every scenario (sdk, s3cmd, mc)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "scenarios in flight")
	cmd.Flags().StringVar(&opts.workDir, "work-dir", "", "directory for payloads and downloads")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "payload seed (0 = random)")
	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", "", "target endpoint URL")

	return cmd
}

func runScenarios(ctx context.Context, out io.Writer, opts runOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.suite != "" {
		cfg.Run.Suite = opts.suite
	}
	if opts.parallel > 0 {
		cfg.Run.Parallel = opts.parallel
	}
	if opts.workDir != "" {
		cfg.Run.WorkDir = opts.workDir
	}
	if opts.seed != 0 {
		cfg.Run.Seed = opts.seed
	}
	if opts.endpoint != "" {
		cfg.Target.Endpoint = opts.endpoint
	}

	suite := scenario.DefaultSuite()
	if cfg.Run.Suite != "" {
		suite, err = scenario.LoadSuite(cfg.Run.Suite)
		if err != nil {
			return err
		}
	}
	selected, err := scenario.Select(suite, opts.names)
	if err != nil {
		return err
	}
	if opts.transport != "" {
		for i := range selected {
			selected[i].Transport = opts.transport
		}
	}

	if err := os.MkdirAll(cfg.Run.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	stopMetrics := serveMetrics(cfg.Metrics.Address, reg)
	defer stopMetrics()

	runner, err := newRunner(ctx, cfg, metrics.New(reg), selected)
	if err != nil {
		return err
	}

	log.Info().
		Str("endpoint", cfg.Target.Endpoint).
		Int("scenarios", len(selected)).
		Int("parallel", cfg.Run.Parallel).
		Msg("Starting durability run")

	outcomes := runner.RunAll(ctx, selected, cfg.Run.Parallel)

	enc := json.NewEncoder(out)
	failed := 0
	for _, o := range outcomes {
		if err := enc.Encode(o.Record()); err != nil {
			return err
		}
		if !o.Passed() {
			failed++
		}
	}

	log.Info().Int("passed", len(outcomes)-failed).Int("failed", failed).Msg("Durability run finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios did not pass", failed, len(outcomes))
	}
	return nil
}
