package usecase

import (
	"context"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// HybridReranker narrows candidates with the medical factors, refines the
// survivors with the cross-encoder and blends in PICO fit and level weight.
type HybridReranker struct {
	medical *MedicalReranker
	cross   *CrossEncoderReranker
	levels  domain.LevelWeights
	cfg     HybridConfig
}

// NewHybridReranker scores the level term from levels, not from the weight
// stored with each chunk, so a weight change applies without reindexing.
func NewHybridReranker(medical *MedicalReranker, cross *CrossEncoderReranker, levels domain.LevelWeights, cfg HybridConfig) (*HybridReranker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	if medical == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "new hybrid reranker", errMissingMedicalReranker)
	}
	return &HybridReranker{medical: medical, cross: cross, levels: levels, cfg: cfg}, nil
}

func (r *HybridReranker) Name() string { return string(RerankModeHybrid) }

func (r *HybridReranker) Rerank(ctx context.Context, query string, candidates []domain.MergedResult) (domain.RerankOutcome, error) {
	trace := []domain.RerankState{domain.RerankReceived}
	if err := ctx.Err(); err != nil {
		return domain.RerankOutcome{Trace: trace}, err
	}

	stage1 := truncateReranked(r.medical.Score(query, candidates), r.cfg.Stage1TopK)
	trace = append(trace, domain.RerankStage1Scored)

	if r.cross.Available() {
		trace = append(trace, domain.RerankCrossEncoderAttempted)
		if err := r.cross.refine(ctx, query, stage1); err != nil {
			return domain.RerankOutcome{Trace: trace}, err
		}
	} else {
		trace = append(trace, domain.RerankCrossEncoderSkipped)
	}

	queryPICO := extractQueryPICO(query)
	w := r.cfg.Weights
	for i := range stage1 {
		res := &stage1[i]
		ce := res.CombinedScore
		if res.Scores.CrossEncoder != nil {
			ce = *res.Scores.CrossEncoder
		}
		res.Scores.PICO = picoMatchScore(queryPICO, res.Chunk.Metadata.PICO)
		res.FinalScore = w.CrossEncoder*ce +
			w.PICO*res.Scores.PICO +
			w.Statistical*res.Scores.Statistical +
			w.LevelWeight*r.levels.For(res.Chunk.Level)
	}
	sortReranked(stage1)
	final := truncateReranked(stage1, r.cfg.Stage2TopK)
	trace = append(trace, domain.RerankFinalized)
	return domain.RerankOutcome{Results: final, Trace: trace}, nil
}
