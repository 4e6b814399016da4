package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kumasuke/dura/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	sandboxPort      int
	sandboxDataDir   string
	sandboxAccessKey string
	sandboxSecretKey string
	sandboxNoAuth    bool
)

// NewSandboxCmd creates the sandbox command.
func NewSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Start the sandbox S3 target",
		Long: "Start an S3-compatible target that stores data in checksummed blocks\n" +
			"and exposes a data corruption switch under /_admin/faults.",
		RunE: runSandbox,
	}

	cmd.Flags().IntVarP(&sandboxPort, "port", "p", 0, "server port (default: 9000)")
	cmd.Flags().StringVarP(&sandboxDataDir, "data-dir", "d", "", "data directory (default: ./data)")
	cmd.Flags().StringVar(&sandboxAccessKey, "access-key", "", "access key")
	cmd.Flags().StringVar(&sandboxSecretKey, "secret-key", "", "secret key")
	cmd.Flags().BoolVar(&sandboxNoAuth, "no-auth", false, "accept unsigned requests")

	return cmd
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override with command line flags
	if sandboxPort != 0 {
		cfg.Sandbox.Port = sandboxPort
	}
	if sandboxDataDir != "" {
		cfg.Sandbox.DataDir = sandboxDataDir
		cfg.Sandbox.MetadataDB = filepath.Join(sandboxDataDir, "metadata.db")
	}
	if sandboxAccessKey != "" {
		cfg.Sandbox.AccessKey = sandboxAccessKey
	}
	if sandboxSecretKey != "" {
		cfg.Sandbox.SecretKey = sandboxSecretKey
	}
	if sandboxNoAuth {
		cfg.Sandbox.Auth = false
	}

	srv, err := server.New(cfg.Sandbox)
	if err != nil {
		return err
	}

	// Handle graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	return srv.Shutdown(context.Background())
}
