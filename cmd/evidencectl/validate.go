package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateTreeCmd() *cobra.Command {
	var documentID string
	cmd := &cobra.Command{
		Use:   "validate-tree",
		Short: "Check the stored chunk hierarchy of a document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.ValidateDocumentTree(cmd.Context(), documentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks, hierarchy ok\n", documentID, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "document id (required)")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}
