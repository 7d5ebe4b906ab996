package evaluation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

type Result struct {
	Question Question
	Outcome  *domain.RetrievalOutcome
	Err      error
	Duration time.Duration
}

// Run sends every question through the retriever with at most concurrency
// requests in flight. Per-question failures are recorded, not returned.
// Results keep the input order.
func Run(ctx context.Context, retriever ports.EvidenceRetriever, questions []Question, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]Result, len(questions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, q := range questions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			outcome, err := retriever.Retrieve(gctx, q.Request())
			results[i] = Result{Question: q, Outcome: outcome, Err: err, Duration: time.Since(start)}
			if err != nil {
				slog.Warn("evaluation_question_failed", "row", q.Row, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
