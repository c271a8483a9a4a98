package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/zimd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the zimd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !long {
				_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
				return err
			}
			info := version.Read()
			fmt.Fprintf(out, "module:   %s\n", info.Module)
			fmt.Fprintf(out, "version:  %s\n", info.Version)
			if info.Revision != "" {
				fmt.Fprintf(out, "revision: %s\n", info.Revision)
			}
			if !info.Time.IsZero() {
				fmt.Fprintf(out, "time:     %s\n", info.Time.Format("2006-01-02T15:04:05Z"))
			}
			if info.Modified {
				fmt.Fprintln(out, "modified: true")
			}
			_, err := fmt.Fprintf(out, "go:       %s\n", info.Go)
			return err
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "print all build details")
	return cmd
}
