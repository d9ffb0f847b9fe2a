package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorevault/lorevault/internal/vault"
)

func newSearchCmd() *cobra.Command {
	var (
		docType  string
		fields   []string
		limit    int
		textOnly bool
	)

	cmd := &cobra.Command{
		Use:   "search <collection> <query>",
		Short: "Search a collection",
		Long: `Search ranks documents by full-text relevance. With an embedder
configured the ranking is hybrid (text and vector fused); this CLI runs
without one, so results come from full text alone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flag validation happens before any backend is opened.
			opts := []vault.SearchOption{vault.WithLimit(limit)}
			if docType != "" {
				opts = append(opts, vault.WithType(docType))
			}
			for _, f := range fields {
				key, value, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("invalid --field %q, expected key=value", f)
				}
				opts = append(opts, vault.WithField(key, value))
			}
			if textOnly {
				opts = append(opts, vault.TextOnly())
			}

			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			results, err := app.vault.Search(cmd.Context(), args[0], args[1], opts...)
			if err != nil {
				return err
			}

			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no results")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %-24s %-12s %.4f  %s\n",
					i+1, r.ID, r.Type, r.Score, r.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&docType, "type", "", "restrict results to one document type")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "require a field value, key=value (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	cmd.Flags().BoolVar(&textOnly, "text-only", false, "force pure full-text ranking")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "List document ids in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			ids, err := app.vault.List(args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newBacklinksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backlinks <id>",
		Short: "Show documents referencing the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			edges, err := app.vault.Backlinks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(edges) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no references")
				return nil
			}
			for _, e := range edges {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.SourceID, e.Field)
			}
			return nil
		},
	}
}
