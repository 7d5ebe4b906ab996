package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirillkom/evidence-rag/internal/bootstrap"
	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/observability/logging"
)

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "evidencectl",
		Short: "Query, evaluate and maintain the medical evidence index",
		Long: `evidencectl talks to the same backends as the API, configured through the
same environment variables.

Examples:
  evidencectl retrieve "Is antifungal therapy effective and safe for CRS?"
  evidencectl retrieve --remote "antifungal safety in children"
  evidencectl evaluate --in questions.xlsx --out results.xlsx
  evidencectl index --file review.json
  evidencectl validate-tree --document 10.1002/14651858.CD009274`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Logs go to stderr so stdout stays machine-readable.
			slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "evidencectl", opts.logLevel))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRetrieveCmd(),
		newAnswerCmd(),
		newEvaluateCmd(),
		newIndexCmd(),
		newValidateTreeCmd(),
	)
	return cmd
}

// openRetriever returns the in-process pipeline or, with remote, a NATS
// client that hands retrieval to the worker pool.
func openRetriever(ctx context.Context, remote bool) (ports.EvidenceRetriever, func(), error) {
	cfg := config.Load()
	if remote {
		q, err := bootstrap.OpenQueue(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return app.Pipeline, app.Close, nil
}

// openApp builds the application graph from the environment.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	return bootstrap.New(ctx, config.Load())
}
