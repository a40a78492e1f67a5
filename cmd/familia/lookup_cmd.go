package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/delano/familia-sub006/index"
)

func newLookupCommand(c *cli) *cobra.Command {
	var scopeID string
	cmd := &cobra.Command{
		Use:   "lookup CLASS INDEX VALUE...",
		Short: "Resolve values through a unique index",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			u, err := inst.Engine.Unique(args[0], args[1])
			if err != nil {
				return err
			}
			scope, err := inst.Scope(ctx, u.Relationship(), scopeID)
			if err != nil {
				return err
			}
			values := args[2:]
			ids, err := u.LookupMany(ctx, scope, values)
			if err != nil {
				return err
			}
			for i, value := range values {
				id := ids[i]
				if id == "" {
					id = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", value, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "identifier of the scope object for instance-scoped indexes")
	return cmd
}

func newFindCommand(c *cli) *cobra.Command {
	var scopeID string
	var sample int
	var raw bool
	cmd := &cobra.Command{
		Use:   "find CLASS INDEX VALUE",
		Short: "List the objects holding a value in a multi index",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, closeFn, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			m, err := inst.Engine.Multi(args[0], args[1])
			if err != nil {
				return err
			}
			scope, err := inst.Scope(ctx, m.Relationship(), scopeID)
			if err != nil {
				return err
			}
			var ids []string
			switch {
			case raw:
				ids, err = m.Members(ctx, scope, args[2])
			case sample > 0:
				var objs []index.Object
				objs, err = m.Sample(ctx, scope, args[2], sample)
				ids = identifiers(objs)
			default:
				var objs []index.Object
				objs, err = m.FindAll(ctx, scope, args[2])
				ids = identifiers(objs)
			}
			if err != nil {
				return err
			}
			slices.Sort(ids)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "identifier of the scope object for instance-scoped indexes")
	cmd.Flags().IntVar(&sample, "sample", 0, "return at most N random objects")
	cmd.Flags().BoolVar(&raw, "raw", false, "print recorded identifiers without loading objects (includes tombstones)")
	cmd.MarkFlagsMutuallyExclusive("sample", "raw")
	return cmd
}

func identifiers(objs []index.Object) []string {
	out := make([]string, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.Identifier())
	}
	return out
}
