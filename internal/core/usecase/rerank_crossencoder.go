package usecase

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

// CrossEncoderReranker refines the head of a candidate list with a pairwise
// relevance model. Failed or timed-out calls fall back to the retrieval score.
type CrossEncoderReranker struct {
	encoder ports.CrossEncoder
	cfg     CrossEncoderConfig
}

func NewCrossEncoderReranker(encoder ports.CrossEncoder, cfg CrossEncoderConfig) *CrossEncoderReranker {
	return &CrossEncoderReranker{encoder: encoder, cfg: cfg.normalize()}
}

func (r *CrossEncoderReranker) Name() string { return string(RerankModeCrossEncoder) }

func (r *CrossEncoderReranker) Available() bool {
	return r != nil && r.encoder != nil
}

func (r *CrossEncoderReranker) Rerank(ctx context.Context, query string, candidates []domain.MergedResult) (domain.RerankOutcome, error) {
	trace := []domain.RerankState{domain.RerankReceived}

	ordered := make([]domain.MergedResult, len(candidates))
	copy(ordered, candidates)
	sortMerged(ordered)
	if len(ordered) > r.cfg.TopK {
		ordered = ordered[:r.cfg.TopK]
	}
	normalize := minMaxNormalizer(ordered)
	head := make([]domain.RerankedResult, 0, len(ordered))
	for _, c := range ordered {
		head = append(head, domain.RerankedResult{
			MergedResult: c,
			Scores:       domain.ComponentScores{Semantic: normalize(c.CombinedScore)},
			FinalScore:   c.CombinedScore,
		})
	}
	trace = append(trace, domain.RerankStage1Scored)

	if !r.Available() {
		trace = append(trace, domain.RerankCrossEncoderSkipped, domain.RerankFinalized)
		return domain.RerankOutcome{Results: head, Trace: trace}, nil
	}

	trace = append(trace, domain.RerankCrossEncoderAttempted)
	if err := r.refine(ctx, query, head); err != nil {
		return domain.RerankOutcome{Trace: trace}, err
	}
	for i := range head {
		head[i].FinalScore = *head[i].Scores.CrossEncoder
	}
	sortReranked(head)
	trace = append(trace, domain.RerankFinalized)
	return domain.RerankOutcome{Results: head, Trace: trace}, nil
}

// refine scores every result in place with bounded concurrency. Each result
// gets a cross-encoder score or its combined score with the fallback flag set.
// Only cancellation of ctx itself is returned as an error.
func (r *CrossEncoderReranker) refine(ctx context.Context, query string, results []domain.RerankedResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)

	for i := range results {
		g.Go(func() error {
			passage := truncateRunes(results[i].Chunk.EnrichedContent(), r.cfg.MaxPassageLen)
			callCtx, cancel := context.WithTimeout(gctx, r.cfg.CallTimeout)
			score, err := r.encoder.Score(callCtx, query, passage)
			cancel()

			if err != nil {
				fallback := results[i].CombinedScore
				results[i].Scores.CrossEncoder = &fallback
				results[i].CrossEncoderFallback = true
				slog.Warn("cross_encoder_fallback",
					"chunk_id", results[i].ChunkID,
					"error", err,
				)
				return nil
			}
			score = clamp01(score)
			results[i].Scores.CrossEncoder = &score
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func countFallbacks(results []domain.RerankedResult) int {
	n := 0
	for _, r := range results {
		if r.CrossEncoderFallback {
			n++
		}
	}
	return n
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
