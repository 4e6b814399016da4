package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/kumasuke/dura/internal/fault"
	"github.com/spf13/cobra"
)

// NewFaultCmd creates the fault command and its subcommands.
func NewFaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fault",
		Short: "Inspect and toggle the data corruption fault on the target",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Enable data corruption",
		Args:  cobra.NoArgs,
		RunE: withInjector(func(ctx context.Context, cmd *cobra.Command, inj fault.Injector) error {
			active, err := inj.EnableDataCorruption(ctx)
			if err != nil {
				return err
			}
			if !active {
				return fmt.Errorf("target did not confirm %s", fault.DataCorruption)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled\n", fault.DataCorruption)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether data corruption is active",
		Args:  cobra.NoArgs,
		RunE: withInjector(func(ctx context.Context, cmd *cobra.Command, inj fault.Injector) error {
			active, err := inj.Status(ctx)
			if err != nil {
				return err
			}
			state := "disabled"
			if active {
				state = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", fault.DataCorruption, state)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Disable every fault",
		Args:  cobra.NoArgs,
		RunE: withInjector(func(ctx context.Context, cmd *cobra.Command, inj fault.Injector) error {
			if err := inj.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: disabled\n", fault.DataCorruption)
			return nil
		}),
	})

	return cmd
}

func withInjector(fn func(ctx context.Context, cmd *cobra.Command, inj fault.Injector) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		inj, err := newInjector(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return fn(ctx, cmd, inj)
	}
}
