package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

// EvidencePipeline wires decomposition, multi-query retrieval, reranking and
// context assembly into one request flow.
type EvidencePipeline struct {
	decomposer *QueryDecomposer
	retriever  *MultiQueryRetriever
	reranker   Reranker
	assembler  *ContextAssembler
	generator  ports.AnswerGenerator
	cfg        PipelineConfig
}

func NewEvidencePipeline(
	decomposer *QueryDecomposer,
	retriever *MultiQueryRetriever,
	reranker Reranker,
	assembler *ContextAssembler,
	generator ports.AnswerGenerator,
	cfg PipelineConfig,
) (*EvidencePipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if decomposer == nil || retriever == nil || reranker == nil || assembler == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "new evidence pipeline", errors.New("decomposer, retriever, reranker and assembler are required"))
	}
	return &EvidencePipeline{
		decomposer: decomposer,
		retriever:  retriever,
		reranker:   reranker,
		assembler:  assembler,
		generator:  generator,
		cfg:        cfg,
	}, nil
}

// NewReranker builds the reranker selected by cfg.RerankMode. encoder may be
// nil, in which case cross-encoder stages are skipped.
func NewReranker(cfg PipelineConfig, encoder ports.CrossEncoder) (Reranker, error) {
	cross := NewCrossEncoderReranker(encoder, cfg.CrossEncoder)
	switch cfg.RerankMode {
	case RerankModeCrossEncoder:
		return cross, nil
	case RerankModeMedical:
		return NewMedicalReranker(cfg.Medical)
	case RerankModeHybrid, "":
		medical, err := NewMedicalReranker(cfg.Medical)
		if err != nil {
			return nil, err
		}
		return NewHybridReranker(medical, cross, cfg.Levels, cfg.Hybrid)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "new reranker", fmt.Errorf("unknown rerank mode %q", cfg.RerankMode))
	}
}

func (p *EvidencePipeline) RerankerName() string {
	return p.reranker.Name()
}

func (p *EvidencePipeline) Retrieve(ctx context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve evidence", errors.New("query is required"))
	}
	if req.MinQualityGrade != "" && !req.MinQualityGrade.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve evidence", fmt.Errorf("unknown quality grade %q", req.MinQualityGrade))
	}
	if req.BudgetChars < 0 || req.TopK < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve evidence", errors.New("budget and top_k must not be negative"))
	}

	outcome := &domain.RetrievalOutcome{Query: query}

	decomposition := Decomposition{SubQueries: identitySubQueries(query), Strategy: IdentityStrategy{}.Name()}
	if !req.DisableDecompose {
		decomposition = p.decomposer.Decompose(ctx, query)
	}
	outcome.SubQueries = decomposition.SubQueries
	outcome.Strategy = decomposition.Strategy
	if decomposition.Degraded {
		outcome.Notices = append(outcome.Notices, domain.Notice{
			Code:    domain.NoticeDecompositionDegrade,
			Message: decomposition.Reason,
		})
	}

	filter := domain.SearchFilter{
		Topic:           strings.TrimSpace(req.Topic),
		MinQualityGrade: req.MinQualityGrade,
	}
	retrieved, err := p.retriever.Retrieve(ctx, decomposition.SubQueries, filter)
	if err != nil {
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}
	outcome.Notices = append(outcome.Notices, retrieved.Notices...)
	outcome.Merged = len(retrieved.Merged)

	reranked, err := p.reranker.Rerank(ctx, query, retrieved.Merged)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}
	outcome.RerankPath = reranked.Trace
	if n := countFallbacks(reranked.Results); n > 0 {
		outcome.Notices = append(outcome.Notices, domain.Notice{
			Code:    domain.NoticeCrossEncoderFallback,
			Message: fmt.Sprintf("%d of %d candidates kept their retrieval score", n, len(reranked.Results)),
		})
	}

	topK := p.cfg.FinalTopK
	if req.TopK > 0 {
		topK = req.TopK
	}
	outcome.Ranked = truncateReranked(reranked.Results, topK)

	bundle, notices, err := p.assembler.Assemble(ctx, outcome.Ranked, req.BudgetChars)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	outcome.Bundle = bundle
	outcome.Notices = append(outcome.Notices, notices...)

	slog.Info("evidence_retrieved",
		"strategy", outcome.Strategy,
		"sub_queries", len(outcome.SubQueries),
		"merged", outcome.Merged,
		"ranked", len(outcome.Ranked),
		"context_items", len(bundle.Items),
		"context_chars", bundle.TotalChars,
		"reranker", p.reranker.Name(),
		"notices", len(outcome.Notices),
	)
	return outcome, nil
}

func (p *EvidencePipeline) Answer(ctx context.Context, req domain.RetrieveRequest) (*domain.Answer, error) {
	if p.generator == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("answer generator is not configured"))
	}
	outcome, err := p.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	text, err := p.generator.GenerateAnswer(ctx, outcome.Query, outcome.Bundle)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &domain.Answer{Text: text, Outcome: *outcome}, nil
}
