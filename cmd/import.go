package cmd

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/server"
)

func newImportCmd() *cobra.Command {
	var (
		update        string
		createPages   bool
		skipUnchanged bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Imports a JSON array or NDJSON file of versions and prints the result",
		Long: `Runs one import batch in the foreground against the configured stores.
Use "-" to read the batch from stdin. Row errors are reported in the printed
import record and do not fail the command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			opts := cfg.Importer.ImportOptions
			if cmd.Flags().Changed("update") {
				opts.UpdateBehavior = monitor.UpdateBehavior(update)
			}
			if cmd.Flags().Changed("create-pages") {
				opts.CreatePages = createPages
			}
			if cmd.Flags().Changed("skip-unchanged-versions") {
				opts.SkipUnchangedVersions = skipUnchanged
			}

			in := os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open batch: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()

			imp, runErr := app.Import(cmd.Context(), opts, in)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(imp); err != nil {
				return fmt.Errorf("print import: %w", err)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&update, "update", "", "how existing versions are treated: skip, replace or merge")
	cmd.Flags().BoolVar(&createPages, "create-pages", true, "create pages for unknown URLs")
	cmd.Flags().BoolVar(&skipUnchanged, "skip-unchanged-versions", false, "drop versions whose body matches the previous one")
	return cmd
}
