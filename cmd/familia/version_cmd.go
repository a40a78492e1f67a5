package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/delano/familia-sub006/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var semver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the familia version",
		Args:  cobra.NoArgs,
		// No config file or log level needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case short:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			case semver:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Semver())
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the semantic version")
	cmd.MarkFlagsMutuallyExclusive("short", "semver")
	return cmd
}
