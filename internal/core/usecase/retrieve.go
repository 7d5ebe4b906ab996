package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

type MultiQueryRetriever struct {
	embedder ports.Embedder
	sparse   ports.SparseEncoder
	index    ports.VectorIndex
	rewriter *QueryRewriter
	cfg      RetrievalConfig
}

func NewMultiQueryRetriever(
	embedder ports.Embedder,
	sparse ports.SparseEncoder,
	index ports.VectorIndex,
	cfg RetrievalConfig,
) (*MultiQueryRetriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embedder == nil || index == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "new retriever", errors.New("embedder and index are required"))
	}
	return &MultiQueryRetriever{
		embedder: embedder,
		sparse:   sparse,
		index:    index,
		cfg:      cfg,
	}, nil
}

// WithRewriter makes every branch search a set of query variants and fuse
// them. A nil rewriter keeps single-text branches.
func (r *MultiQueryRetriever) WithRewriter(rw *QueryRewriter) *MultiQueryRetriever {
	r.rewriter = rw
	return r
}

type BranchReport struct {
	SubQuery    domain.SubQuery
	Variants    int
	Hits        int
	FilteredOut int
	Err         error
	Duration    time.Duration
}

type RetrievalResult struct {
	Merged   []domain.MergedResult
	Branches []BranchReport
	Notices  []domain.Notice
}

// Retrieve runs one hybrid search per sub-query concurrently and reduces the
// branch results in a single merge step. A failing branch contributes nothing
// and a notice; only the failure of every branch fails the call.
func (r *MultiQueryRetriever) Retrieve(
	ctx context.Context,
	subQueries []domain.SubQuery,
	base domain.SearchFilter,
) (*RetrievalResult, error) {
	if len(subQueries) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("no sub-queries"))
	}

	topN := r.cfg.SingleTopN
	if len(subQueries) > 1 {
		topN = r.cfg.DecomposedTopN
	}

	branches := make([][]domain.SearchResult, len(subQueries))
	reports := make([]BranchReport, len(subQueries))

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.MaxConcurrency > 0 {
		g.SetLimit(r.cfg.MaxConcurrency)
	}
	for i, sq := range subQueries {
		g.Go(func() error {
			start := time.Now()
			variants := r.variantsFor(gctx, sq)
			results, filtered, err := r.searchVariants(gctx, sq, variants, r.branchFilter(base, sq), topN)
			branches[i] = results
			reports[i] = BranchReport{
				SubQuery:    sq,
				Variants:    len(variants),
				Hits:        len(results),
				FilteredOut: filtered,
				Err:         err,
				Duration:    time.Since(start),
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		failures []error
		notices  []domain.Notice
	)
	for _, rep := range reports {
		if rep.Err == nil {
			continue
		}
		failures = append(failures, rep.Err)
		notices = append(notices, domain.Notice{
			Code:    domain.NoticeBranchFailed,
			Message: fmt.Sprintf("sub-query %q (%s) failed: %v", rep.SubQuery.Text, rep.SubQuery.Intent, rep.Err),
		})
		slog.Warn("retrieval_branch_failed",
			"intent", rep.SubQuery.Intent,
			"sub_query", rep.SubQuery.Text,
			"error", rep.Err,
		)
	}
	if len(failures) == len(subQueries) {
		return nil, domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.Join(failures...))
	}

	return &RetrievalResult{
		Merged:   mergeResults(branches...),
		Branches: reports,
		Notices:  notices,
	}, nil
}

func (r *MultiQueryRetriever) branchFilter(base domain.SearchFilter, sq domain.SubQuery) domain.SearchFilter {
	f := base
	f.StatisticalOnly = f.StatisticalOnly || sq.StatisticalOnly
	if r.cfg.StrictSectionFilter && sq.SectionHint != "" {
		f.Section = sq.SectionHint
	}
	return f
}

func (r *MultiQueryRetriever) variantsFor(ctx context.Context, sq domain.SubQuery) []QueryVariant {
	if r.rewriter == nil {
		return []QueryVariant{{Text: sq.Text, Strategy: VariantOriginal, Weight: 1.0}}
	}
	return r.rewriter.Rewrite(ctx, sq.Text)
}

func (r *MultiQueryRetriever) searchBranch(
	ctx context.Context,
	sq domain.SubQuery,
	filter domain.SearchFilter,
	topN int,
) ([]domain.SearchResult, int, error) {
	return r.searchVariants(ctx, sq, r.variantsFor(ctx, sq), filter, topN)
}

// searchVariants searches every variant of a sub-query and fuses the lists
// by weighted reciprocal rank. A failing variant is skipped; the branch fails
// only when every variant does.
func (r *MultiQueryRetriever) searchVariants(
	ctx context.Context,
	sq domain.SubQuery,
	variants []QueryVariant,
	filter domain.SearchFilter,
	topN int,
) ([]domain.SearchResult, int, error) {
	if len(variants) <= 1 {
		v := QueryVariant{Text: sq.Text, Strategy: VariantOriginal, Weight: 1.0}
		if len(variants) == 1 {
			v = variants[0]
		}
		return r.searchVariant(ctx, sq, v, filter, topN)
	}

	variantTopN := topN
	if r.cfg.Rewrite.VariantTopN > 0 {
		variantTopN = r.cfg.Rewrite.VariantTopN
	}
	lists := make([][]domain.SearchResult, len(variants))
	filteredBy := make([]int, len(variants))
	errs := make([]error, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		g.Go(func() error {
			lists[i], filteredBy[i], errs[i] = r.searchVariant(gctx, sq, v, filter, variantTopN)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	var (
		failures []error
		ok       [][]domain.SearchResult
		weights  []float64
		filtered int
	)
	for i, v := range variants {
		if errs[i] != nil {
			failures = append(failures, fmt.Errorf("%s variant: %w", v.Strategy, errs[i]))
			slog.Warn("query_variant_failed", "intent", sq.Intent, "strategy", v.Strategy, "error", errs[i])
			continue
		}
		ok = append(ok, lists[i])
		weights = append(weights, v.Weight)
		filtered += filteredBy[i]
	}
	if len(ok) == 0 {
		return nil, filtered, errors.Join(failures...)
	}
	return trimResults(fuseVariantsRRF(ok, weights, r.cfg.Rewrite.RRFK), topN), filtered, nil
}

// searchVariant runs one hybrid search. A hypothetical answer passage is
// embedded as a document so it lands near the passages it imitates.
func (r *MultiQueryRetriever) searchVariant(
	ctx context.Context,
	sq domain.SubQuery,
	v QueryVariant,
	filter domain.SearchFilter,
	topN int,
) ([]domain.SearchResult, int, error) {
	mode := ports.EmbedModeQuery
	if v.Strategy == VariantHyDE {
		mode = ports.EmbedModeDocument
	}
	vectors, err := r.embedder.Embed(ctx, []string{v.Text}, mode)
	if err != nil {
		return nil, 0, fmt.Errorf("embed sub-query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, 0, errors.New("embed sub-query: empty embedding result")
	}

	req := ports.SearchRequest{
		Text:   v.Text,
		Dense:  vectors[0],
		Filter: filter,
		TopN:   topN,
	}
	if r.sparse != nil {
		req.Sparse = r.sparse.EncodeQuery(v.Text)
	}

	hits, err := r.index.Search(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("search vector index: %w", err)
	}

	var hints []string
	if sq.SectionHint != "" {
		hints = []string{sq.SectionHint}
	}
	filtered := 0
	out := make([]domain.SearchResult, 0, len(hits))
	for _, hit := range hits {
		if !filter.Matches(hit.Chunk.Metadata, hit.Chunk.Level) {
			filtered++
			continue
		}
		dense := clamp01(hit.DenseScore)
		sparse := clamp01(hit.SparseScore)
		out = append(out, domain.SearchResult{
			ChunkID:       hit.Chunk.ID,
			Chunk:         hit.Chunk,
			DenseScore:    dense,
			SparseScore:   sparse,
			CombinedScore: dense*r.cfg.DenseWeight + sparse*r.cfg.SparseWeight,
			MetadataPass:  true,
			Intents:       []domain.Intent{sq.Intent},
			SectionHints:  hints,
		})
	}
	if filtered > 0 {
		slog.Debug("retrieval_filter_recheck_dropped", "intent", sq.Intent, "dropped", filtered)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, filtered, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
