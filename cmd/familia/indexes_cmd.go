package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	familia "github.com/delano/familia-sub006"
	"github.com/delano/familia-sub006/model"
)

func newIndexesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "List the indexes declared in the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg familia.Config
			if err := c.bindConfig(&cfg); err != nil {
				return err
			}
			if cfg.Schema == "" {
				return fmt.Errorf("config: schema file required")
			}
			schema, err := model.LoadSchemaFile(cfg.Schema)
			if err != nil {
				return err
			}
			rels, err := schema.Relationships()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tCARDINALITY\tFIELD\tSCOPE\tQUERY")
			for _, rel := range rels {
				scope := rel.ScopeClass
				if scope == "" {
					scope = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", rel.ID(), rel.Cardinality, rel.Field, scope, rel.QueryEnabled)
			}
			return tw.Flush()
		},
	}
}
