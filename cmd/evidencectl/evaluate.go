package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/evidence-rag/internal/evaluation"
)

func newEvaluateCmd() *cobra.Command {
	var (
		in          string
		out         string
		sheet       string
		concurrency int
		remote      bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run a spreadsheet of questions and write ranked results to a workbook",
		Long: `Reads questions from the first sheet of --in (a "question" column, plus
optional "topic", "min_quality_grade" and "budget_chars" columns) and writes a
workbook with a Results sheet (one row per ranked chunk) and a Summary sheet
(one row per question).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("open questions: %w", err)
			}
			defer src.Close()

			questions, err := evaluation.ReadQuestions(src, sheet)
			if err != nil {
				return err
			}
			if len(questions) == 0 {
				return fmt.Errorf("no questions found in %s", in)
			}

			retriever, closeFn, err := openRetriever(cmd.Context(), remote)
			if err != nil {
				return err
			}
			defer closeFn()

			results, err := evaluation.Run(cmd.Context(), retriever, questions, concurrency)
			if err != nil {
				return err
			}

			dst, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create results: %w", err)
			}
			if err := evaluation.WriteResults(dst, results); err != nil {
				_ = dst.Close()
				return err
			}
			if err := dst.Close(); err != nil {
				return fmt.Errorf("close results: %w", err)
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evaluated %d questions (%d failed), results written to %s\n", len(results), failed, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input workbook with questions (required)")
	cmd.Flags().StringVar(&out, "out", "results.xlsx", "output workbook")
	cmd.Flags().StringVar(&sheet, "sheet", "", "input sheet name (default: first sheet)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "questions in flight")
	cmd.Flags().BoolVar(&remote, "remote", false, "send questions to the worker pool over NATS")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
