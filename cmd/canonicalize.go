package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webmonitor/internal/canonical"
)

func newCanonicalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "canonicalize <url>...",
		Short: "Prints the canonical form and the match key of each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range args {
				display, err := canonical.Canonicalize(raw, canonical.Minimal())
				if err != nil {
					return fmt.Errorf("canonicalize %q: %w", raw, err)
				}
				key, err := canonical.SURT(raw, canonical.DefaultOptions())
				if err != nil {
					return fmt.Errorf("url key for %q: %w", raw, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", display, key)
			}
			return nil
		},
	}
}
