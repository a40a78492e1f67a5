package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOrphansCommand(c *cli) *cobra.Command {
	var scopeID string
	var remove bool
	cmd := &cobra.Command{
		Use:   "orphans CLASS INDEX",
		Short: "List (or delete) temp keys left behind by abandoned unique index rebuilds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			rel, err := inst.Engine.Registry().Lookup(args[0], args[1])
			if err != nil {
				return err
			}
			scope, err := inst.Scope(ctx, rel, scopeID)
			if err != nil {
				return err
			}
			keys, err := inst.Engine.Rebuilder().SweepOrphans(ctx, rel, scope, remove)
			for _, key := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "index=%s orphans=%d removed=%t\n", rel.ID(), len(keys), remove)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "identifier of the scope object for instance-scoped indexes")
	cmd.Flags().BoolVar(&remove, "remove", false, "delete the orphaned keys (takes the rebuild lease)")
	return cmd
}
