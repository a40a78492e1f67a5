package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/internal/correlation"
)

func newRebuildCommand(c *cli) *cobra.Command {
	var scopeID string
	var strategy string
	var all bool
	var progress bool
	var correlationID string
	cmd := &cobra.Command{
		Use:   "rebuild CLASS [INDEX]",
		Short: "Rebuild one index, or every index declared on a class",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) == 2 {
				return fmt.Errorf("specify either INDEX or --all")
			}
			if !all && len(args) == 1 {
				return fmt.Errorf("INDEX required (or use --all)")
			}
			if all && scopeID != "" {
				return fmt.Errorf("--scope cannot be combined with --all")
			}
			parsed, err := index.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			opts := index.RebuildOptions{Strategy: parsed}
			if progress {
				opts.Progress = progressPrinter(cmd.ErrOrStderr())
			}

			ctx := cmd.Context()
			if correlationID != "" {
				if _, ok := correlation.Normalize(correlationID); !ok {
					return fmt.Errorf("invalid correlation id %q", correlationID)
				}
				ctx = correlation.With(ctx, correlationID)
			}
			inst, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			rebuilder := inst.Engine.Rebuilder()

			var results []index.RebuildResult
			if all {
				results, err = rebuilder.RebuildAll(ctx, args[0], opts)
			} else {
				var rel index.Relationship
				rel, err = inst.Engine.Registry().Lookup(args[0], args[1])
				if err != nil {
					return err
				}
				var scope index.Object
				scope, err = inst.Scope(ctx, rel, scopeID)
				if err != nil {
					return err
				}
				var res index.RebuildResult
				res, err = rebuilder.Rebuild(ctx, rel, scope, opts)
				results = append(results, res)
			}
			for _, res := range results {
				printRebuildResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "identifier of the scope object for instance-scoped indexes")
	cmd.Flags().StringVar(&strategy, "strategy", "auto", "candidate discovery strategy (auto, instances, participation, scan)")
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every index declared on CLASS, once per scope instance")
	cmd.Flags().BoolVar(&progress, "progress", false, "print progress to stderr after every batch")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "identifier attached to the logs and spans of this run (generated when empty)")
	return cmd
}

func printRebuildResult(w io.Writer, res index.RebuildResult) {
	scope := res.Scope
	if scope == "" {
		scope = "-"
	}
	fmt.Fprintf(w, "index=%s scope=%s strategy=%s processed=%d indexed=%d batches=%d failed_batches=%d swapped=%t cleared=%d elapsed=%s correlation_id=%s\n",
		res.Index, scope, res.Strategy, res.Processed, res.Indexed, res.Batches, res.FailedBatches, res.Swapped, res.Cleared, res.Elapsed, res.CorrelationID)
}

func progressPrinter(w io.Writer) index.ProgressFunc {
	return func(p index.Progress) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %-7s batch %d: %s", p.Index, p.Phase, p.Batch, humanize.Comma(p.Completed))
		if p.Total > 0 {
			fmt.Fprintf(&b, "/%s (%.1f%%)", humanize.Comma(p.Total), p.Percent())
		}
		if p.Indexed > 0 {
			fmt.Fprintf(&b, " indexed %s", humanize.Comma(p.Indexed))
		}
		fmt.Fprintf(&b, " %s/s", humanize.CommafWithDigits(p.Rate, 1))
		fmt.Fprintln(w, b.String())
	}
}
