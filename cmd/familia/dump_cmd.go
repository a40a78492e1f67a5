package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/delano/familia-sub006/index"
)

func newDumpCommand(c *cli) *cobra.Command {
	var scopeID string
	cmd := &cobra.Command{
		Use:   "dump CLASS INDEX",
		Short: "Print every entry of an index (value and identifier, or value and member count)",
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
			out := cmd.OutOrStdout()
			if rel.Cardinality == index.Multi {
				m, err := inst.Engine.MultiFor(rel)
				if err != nil {
					return err
				}
				values, err := m.Values(ctx, scope)
				if err != nil {
					return err
				}
				for _, v := range slices.Sorted(maps.Keys(values)) {
					fmt.Fprintf(out, "%s\t%d\n", v, values[v])
				}
				return nil
			}
			u, err := inst.Engine.UniqueFor(rel)
			if err != nil {
				return err
			}
			entries, err := u.Entries(ctx, scope)
			if err != nil {
				return err
			}
			for _, v := range slices.Sorted(maps.Keys(entries)) {
				fmt.Fprintf(out, "%s\t%s\n", v, entries[v])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "identifier of the scope object for instance-scoped indexes")
	return cmd
}
