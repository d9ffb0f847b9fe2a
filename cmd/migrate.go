package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate <collection>",
		Short: "Rewrite outdated documents at the live schema version",
		Long: `Migrate walks a collection and rewrites every document whose stored
schema version is behind the live one. Each document migrates
independently; failures are reported and never stop the pass.

With --dry-run nothing is written; the command only reports how many
documents an actual run would rewrite.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.vault.MigrateAll(cmd.Context(), args[0], dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked:       %d\n", report.Checked)
			if dryRun {
				fmt.Fprintf(out, "would migrate: %d\n", report.WouldMigrate)
			} else {
				fmt.Fprintf(out, "migrated:      %d\n", report.Migrated)
			}
			for _, de := range report.Errors {
				fmt.Fprintf(out, "error: %s: %v\n", de.ID, de.Err)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d documents failed", len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing anything")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <collection>",
		Short: "Rebuild the index for a collection from its files",
		Long: `Rebuild re-derives all index state for a collection from the document
files. The swap is atomic: searches see either the old index or the
fully rebuilt one, never a partial state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			n, err := app.vault.Rebuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents\n", n)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the index backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			if err := app.vault.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s backend healthy\n", app.cfg.Backend)
			return nil
		},
	}
}
