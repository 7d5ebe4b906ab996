package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func newIndexCmd() *cobra.Command {
	var (
		file    string
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build chunk trees for structured documents and index them",
		Long: `Reads a JSON document, or an array of documents, with extracted sections.
With --publish the documents are queued for the worker instead of being
indexed in-process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read documents: %w", err)
			}
			docs, err := decodeDocuments(bytes.NewReader(raw))
			if err != nil {
				return err
			}

			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if publish {
				queue, err := app.Queue()
				if err != nil {
					return err
				}
				for _, doc := range docs {
					if err := queue.PublishDocument(cmd.Context(), doc); err != nil {
						return fmt.Errorf("publish %s: %w", doc.ID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", doc.ID)
				}
				return nil
			}

			for _, doc := range docs {
				n, err := app.Indexer.IndexDocument(cmd.Context(), doc)
				if err != nil {
					return fmt.Errorf("index %s: %w", doc.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d chunks\n", doc.ID, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with one document or an array (required)")
	cmd.Flags().BoolVar(&publish, "publish", false, "queue documents for the worker")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func decodeDocuments(r io.Reader) ([]*domain.Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode documents", fmt.Errorf("empty input"))
	}
	if raw[0] == '[' {
		var docs []*domain.Document
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "decode documents", err)
		}
		return docs, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode documents", err)
	}
	return []*domain.Document{&doc}, nil
}
