package usecase

import (
	"context"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// MedicalReranker combines evidence quality, statistical content, section fit
// and normalized retrieval similarity.
type MedicalReranker struct {
	weights MedicalWeights
}

func NewMedicalReranker(weights MedicalWeights) (*MedicalReranker, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &MedicalReranker{weights: weights}, nil
}

func (r *MedicalReranker) Name() string { return string(RerankModeMedical) }

func (r *MedicalReranker) Rerank(ctx context.Context, query string, candidates []domain.MergedResult) (domain.RerankOutcome, error) {
	trace := []domain.RerankState{domain.RerankReceived}
	if err := ctx.Err(); err != nil {
		return domain.RerankOutcome{Trace: trace}, err
	}
	results := r.Score(query, candidates)
	trace = append(trace, domain.RerankStage1Scored, domain.RerankCrossEncoderSkipped, domain.RerankFinalized)
	return domain.RerankOutcome{Results: results, Trace: trace}, nil
}

// Score is pure: it returns every candidate with component scores, sorted by
// final score descending and chunk id ascending.
func (r *MedicalReranker) Score(query string, candidates []domain.MergedResult) []domain.RerankedResult {
	if len(candidates) == 0 {
		return nil
	}
	normalize := minMaxNormalizer(candidates)
	queryStatistical := isStatisticalQuery(query)
	primary := detectPrimaryIntent(query)

	out := make([]domain.RerankedResult, 0, len(candidates))
	for _, c := range candidates {
		statIntent := queryStatistical || c.HasIntent(domain.IntentStatistical)
		scores := domain.ComponentScores{
			Quality:     qualityScore(c.Chunk.Metadata.QualityGrade),
			Statistical: statisticalScore(c.Chunk.Metadata.StatisticalFlag, statIntent),
			Section:     candidateSectionScore(c, primary),
			Semantic:    normalize(c.CombinedScore),
		}
		final := r.weights.Quality*scores.Quality +
			r.weights.Statistical*scores.Statistical +
			r.weights.Section*scores.Section +
			r.weights.Semantic*scores.Semantic
		out = append(out, domain.RerankedResult{
			MergedResult: c,
			Scores:       scores,
			FinalScore:   final,
		})
	}
	sortReranked(out)
	return out
}

// candidateSectionScore takes the best fit over the candidate's intents and
// the section hints of the sub-queries that found it.
func candidateSectionScore(c domain.MergedResult, primary domain.Intent) float64 {
	intents := c.Intents
	if len(intents) == 0 {
		intents = []domain.Intent{domain.IntentBroad}
	}
	best := 0.0
	for _, intent := range intents {
		if intent == domain.IntentBroad {
			intent = primary
		}
		hints := append([]string{sectionHintFor(intent)}, c.SectionHints...)
		for _, hint := range hints {
			if s := sectionRelevance(intent, hint, c.Chunk.Metadata.Section); s > best {
				best = s
			}
		}
	}
	return best
}
