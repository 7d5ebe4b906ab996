package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

type requestFlags struct {
	topic            string
	minGrade         string
	budget           int
	topK             int
	disableDecompose bool
	asJSON           bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.topic, "topic", "", "restrict evidence to a topic")
	cmd.Flags().StringVar(&f.minGrade, "min-grade", "", "lowest acceptable quality grade (A, B, C)")
	cmd.Flags().IntVar(&f.budget, "budget", 0, "context budget in characters")
	cmd.Flags().IntVar(&f.topK, "top-k", 0, "ranked chunks to keep")
	cmd.Flags().BoolVar(&f.disableDecompose, "no-decompose", false, "search the query as a single sub-query")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the full outcome as JSON")
}

func (f *requestFlags) request(query string) domain.RetrieveRequest {
	return domain.RetrieveRequest{
		Query:            query,
		Topic:            f.topic,
		MinQualityGrade:  domain.QualityGrade(strings.ToUpper(f.minGrade)),
		BudgetChars:      f.budget,
		TopK:             f.topK,
		DisableDecompose: f.disableDecompose,
	}
}

func newRetrieveCmd() *cobra.Command {
	flags := &requestFlags{}
	var remote bool
	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Run the retrieval pipeline and print the ranked evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retriever, closeFn, err := openRetriever(cmd.Context(), remote)
			if err != nil {
				return err
			}
			defer closeFn()

			outcome, err := retriever.Retrieve(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return printJSON(cmd.OutOrStdout(), outcome)
			}
			return printOutcome(cmd.OutOrStdout(), outcome)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&remote, "remote", false, "send the request to the worker pool over NATS")
	return cmd
}

func newAnswerCmd() *cobra.Command {
	flags := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "answer <query>",
		Short: "Retrieve evidence and generate an answer with numbered sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			answer, err := app.Pipeline.Answer(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			if flags.asJSON {
				return printJSON(cmd.OutOrStdout(), answer)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer.Text)
			fmt.Fprintln(cmd.OutOrStdout())
			return printOutcome(cmd.OutOrStdout(), &answer.Outcome)
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcome(w io.Writer, outcome *domain.RetrievalOutcome) error {
	fmt.Fprintf(w, "strategy: %s\n", outcome.Strategy)
	for i, sq := range outcome.SubQueries {
		fmt.Fprintf(w, "  sub-query %d [%s]: %s\n", i+1, sq.Intent, sq.Text)
	}
	fmt.Fprintf(w, "merged candidates: %d, rerank path: %v\n\n", outcome.Merged, outcome.RerankPath)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tGRADE\tLEVEL\tSECTION\tCHUNK\tDOI")
	for i, r := range outcome.Ranked {
		meta := r.Chunk.Metadata
		fallback := ""
		if r.CrossEncoderFallback {
			fallback = "*"
		}
		fmt.Fprintf(tw, "%d\t%.4f%s\t%s\t%s\t%s\t%s\t%s\n", i+1, r.FinalScore, fallback, meta.QualityGrade, r.Chunk.Level, meta.Section, r.ChunkID, meta.DOI)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	b := outcome.Bundle
	fmt.Fprintf(w, "\ncontext: %d items, %d/%d chars\n", len(b.Items), b.TotalChars, b.BudgetChars)
	if b.QualitySummary != "" {
		fmt.Fprintf(w, "quality: %s\n", b.QualitySummary)
	}
	if b.StatisticalSummary != "" {
		fmt.Fprintf(w, "statistics: %s\n", b.StatisticalSummary)
	}
	for _, n := range outcome.Notices {
		fmt.Fprintf(w, "notice [%s]: %s\n", n.Code, n.Message)
	}
	return nil
}
