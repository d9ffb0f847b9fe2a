package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorevault/lorevault/internal/document"
)

func newNewCmd() *cobra.Command {
	var (
		id    string
		title string
	)

	cmd := &cobra.Command{
		Use:   "new <collection> <type>",
		Short: "Create an empty document and index it",
		Long: `New creates a document of the given type, validates it against the
live schema and writes it at the live schema version. Without --id a
random id is generated.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer app.close()

			if id == "" {
				id = document.NewID()
			}
			doc := document.New(id, args[0], args[1])
			if title != "" {
				doc.Fields["title"] = title
			}

			if err := app.vault.Save(cmd.Context(), doc); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doc.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "document id (random when omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title field of the new document")
	return cmd
}
