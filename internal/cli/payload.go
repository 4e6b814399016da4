package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/kumasuke/dura/internal/config"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/spf13/cobra"
)

// NewPayloadCmd creates the payload command.
func NewPayloadCmd() *cobra.Command {
	var (
		size      string
		pattern   string
		dir       string
		seed      uint64
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "payload",
		Short: "Generate a payload file and print its checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Run.WorkDir = dir
			}
			if seed != 0 {
				cfg.Run.Seed = seed
			}
			if algorithm != "" {
				cfg.Checksum.Algorithm = algorithm
			}

			n, err := config.ParseSize(size)
			if err != nil {
				return fmt.Errorf("--size: %w", err)
			}
			p, err := payload.ParsePattern(pattern)
			if err != nil {
				return err
			}
			verifier, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			pl, err := newGenerator(cfg, verifier).Generate(cmd.Context(), n, p)
			if err != nil {
				return err
			}
			digest, err := pl.Checksum()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path:     %s\n", pl.Path)
			fmt.Fprintf(out, "size:     %d (%s)\n", pl.Size, humanize.IBytes(uint64(pl.Size)))
			fmt.Fprintf(out, "pattern:  %s\n", pl.Pattern)
			fmt.Fprintf(out, "checksum: %s\n", digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&size, "size", "5MiB", "payload size")
	cmd.Flags().StringVar(&pattern, "pattern", string(payload.UniformRandom), "payload pattern (uniform-random, corrupted)")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default: run.work_dir)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "payload seed (0 = random)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "checksum algorithm (sha256, md5, xxhash64, crc64nvme)")

	return cmd
}
