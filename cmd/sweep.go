package main

import (
	"context"
	"encoding/json"
	"fmt"

	"bookly/internal/config"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	var lapsedOnly, staleOnly bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the billing repair sweeps once and exit",
		Long: `Run the stale-pending and lapsed-expiry sweeps once.

Examples:
  bookly sweep
  bookly sweep --stale-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lapsedOnly && staleOnly {
				return fmt.Errorf("--lapsed-only and --stale-only are mutually exclusive")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := map[string]interface{}{}
			if !lapsedOnly {
				report, err := a.scheduler.SweepStalePending(ctx)
				if err != nil {
					return err
				}
				out["stale_pending"] = report
			}
			if !staleOnly {
				n, err := a.scheduler.ExpireLapsed(ctx)
				if err != nil {
					return err
				}
				out["expired"] = n
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&lapsedOnly, "lapsed-only", false, "only expire lapsed subscriptions")
	cmd.Flags().BoolVar(&staleOnly, "stale-only", false, "only re-check stale pending payments")
	return cmd
}
