package main

import (
	"fmt"

	"github.com/spf13/cobra"

	familia "github.com/delano/familia-sub006"
	"github.com/delano/familia-sub006/internal/diagnostics/storagecheck"
	"github.com/delano/familia-sub006/internal/loggingutil"
)

func newVerifyCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Probe the configured store for the operations the index engine relies on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg familia.Config
			if err := c.bindConfig(&cfg); err != nil {
				return err
			}
			store, err := familia.OpenStore(cfg, c.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			res, err := storagecheck.Verify(cmd.Context(), store)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, chk := range res.Checks {
				if chk.Err != nil {
					fmt.Fprintf(out, "FAIL %s: %v\n", chk.Name, chk.Err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", chk.Name)
			}
			logger := loggingutil.WithSubsystem(c.logger, "cli.verify")
			if !res.Passed() {
				logger.Warn("cli.verify.failed", "store", cfg.Store, "error", res.Err())
				return fmt.Errorf("store %s failed verification", cfg.Store)
			}
			logger.Info("cli.verify.passed", "store", cfg.Store, "checks", len(res.Checks))
			return nil
		},
	}
}
