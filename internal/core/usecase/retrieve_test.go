package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

func newTestRetriever(t *testing.T, embedder ports.Embedder, index ports.VectorIndex) *MultiQueryRetriever {
	t.Helper()
	r, err := NewMultiQueryRetriever(embedder, sparseFake{}, index, DefaultRetrievalConfig())
	if err != nil {
		t.Fatalf("NewMultiQueryRetriever() error = %v", err)
	}
	return r
}

func TestRetrieveCombinesDenseAndSparse(t *testing.T) {
	c := testChunk("p1", domain.LevelParagraph, domain.GradeA, "results", false, "text")
	index := &indexFake{hits: map[string][]domain.SearchHit{"*": {hit(c, 0.8, 0.5), hit(testChunk("p2", domain.LevelParagraph, domain.GradeA, "results", false, "t"), 1.7, -0.2)}}}
	r := newTestRetriever(t, &embedderFake{}, index)

	res, err := r.Retrieve(context.Background(), identitySubQueries("q"), domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(res.Merged) != 2 {
		t.Fatalf("expected 2 merged results, got %d", len(res.Merged))
	}
	for _, m := range res.Merged {
		want := 0.8*0.7 + 0.5*0.3
		if m.ChunkID == "p2" {
			want = 0.7
		}
		if math.Abs(m.CombinedScore-want) > 1e-9 {
			t.Fatalf("%s: expected combined %v, got %v", m.ChunkID, want, m.CombinedScore)
		}
	}
	if index.requests[0].TopN != DefaultRetrievalConfig().SingleTopN {
		t.Fatalf("expected single query top n, got %d", index.requests[0].TopN)
	}
	if len(index.requests[0].Sparse.Indices) == 0 {
		t.Fatalf("expected sparse vector in request")
	}
}

func TestRetrieveDecomposedUsesSmallerTopN(t *testing.T) {
	index := &indexFake{hits: map[string][]domain.SearchHit{}}
	r := newTestRetriever(t, &embedderFake{}, index)
	subQueries := []domain.SubQuery{
		{Text: "a", Intent: domain.IntentEffectiveness},
		{Text: "b", Intent: domain.IntentSafety},
	}
	if _, err := r.Retrieve(context.Background(), subQueries, domain.SearchFilter{}); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	for _, req := range index.requests {
		if req.TopN != 5 {
			t.Fatalf("expected top n 5, got %d", req.TopN)
		}
	}
}

func TestRetrievePartialFailureReturnsNotice(t *testing.T) {
	c := testChunk("p1", domain.LevelParagraph, domain.GradeA, "results", false, "text")
	index := &indexFake{
		hits: map[string][]domain.SearchHit{"*": {hit(c, 0.9, 0.9)}},
		errs: map[string]error{"safety": errors.New("index down")},
	}
	r := newTestRetriever(t, &embedderFake{}, index)
	subQueries := []domain.SubQuery{
		{Text: "effect", Intent: domain.IntentEffectiveness},
		{Text: "safety", Intent: domain.IntentSafety},
	}

	res, err := r.Retrieve(context.Background(), subQueries, domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(res.Merged) != 1 {
		t.Fatalf("expected results from surviving branch, got %d", len(res.Merged))
	}
	if len(res.Notices) != 1 || res.Notices[0].Code != domain.NoticeBranchFailed {
		t.Fatalf("expected one branch failure notice, got %+v", res.Notices)
	}
	if res.Branches[1].Err == nil {
		t.Fatalf("expected failed branch report")
	}
}

func TestRetrieveAllBranchesFail(t *testing.T) {
	embedder := &embedderFake{errOn: map[string]error{"a": errors.New("boom"), "b": errors.New("boom")}}
	r := newTestRetriever(t, embedder, &indexFake{})
	_, err := r.Retrieve(context.Background(), []domain.SubQuery{{Text: "a"}, {Text: "b"}}, domain.SearchFilter{})
	if !domain.IsKind(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("expected retrieval unavailable, got %v", err)
	}
}

func TestRetrieveGradeFilterRemovesLowerGrades(t *testing.T) {
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "a")
	b := testChunk("b", domain.LevelParagraph, domain.GradeB, "results", false, "b")
	c := testChunk("c", domain.LevelParagraph, domain.GradeC, "results", false, "c")
	hits := []domain.SearchHit{hit(b, 0.99, 0.99), hit(c, 0.98, 0.98), hit(a, 0.2, 0.1)}

	for _, ignore := range []bool{false, true} {
		index := &indexFake{hits: map[string][]domain.SearchHit{"*": hits}, ignoreFilter: ignore}
		r := newTestRetriever(t, &embedderFake{}, index)
		res, err := r.Retrieve(context.Background(), identitySubQueries("q"), domain.SearchFilter{MinQualityGrade: domain.GradeA})
		if err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
		if len(res.Merged) != 1 || res.Merged[0].ChunkID != "a" {
			t.Fatalf("ignoreFilter=%v: expected only grade A, got %+v", ignore, res.Merged)
		}
		if index.requests[0].Filter.MinQualityGrade != domain.GradeA {
			t.Fatalf("expected filter pushed to index")
		}
	}
}

func TestRetrieveStatisticalSubQueryFilters(t *testing.T) {
	index := &indexFake{}
	r := newTestRetriever(t, &embedderFake{}, index)
	_, err := r.Retrieve(context.Background(), []domain.SubQuery{{Text: "stats", Intent: domain.IntentStatistical, StatisticalOnly: true, SectionHint: "results"}}, domain.SearchFilter{Topic: "ent"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	f := index.requests[0].Filter
	if !f.StatisticalOnly || f.Topic != "ent" {
		t.Fatalf("unexpected filter %+v", f)
	}
	if f.Section != "" {
		t.Fatalf("section hint must not filter unless strict, got %q", f.Section)
	}
}

func TestRetrieveCancelled(t *testing.T) {
	r := newTestRetriever(t, &embedderFake{block: true}, &indexFake{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Retrieve(ctx, []domain.SubQuery{{Text: "a"}, {Text: "b"}}, domain.SearchFilter{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRetrieveIdentityMatchesSingleSearch(t *testing.T) {
	chunks := []domain.Chunk{
		testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "a"),
		testChunk("b", domain.LevelSection, domain.GradeB, "methods", false, "b"),
	}
	index := &indexFake{hits: map[string][]domain.SearchHit{"*": {hit(chunks[0], 0.4, 0.4), hit(chunks[1], 0.6, 0.2)}}}
	r := newTestRetriever(t, &embedderFake{}, index)

	res, err := r.Retrieve(context.Background(), identitySubQueries("aspirin dosage"), domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	single, _, err := r.searchBranch(context.Background(), identitySubQueries("aspirin dosage")[0], domain.SearchFilter{}, 50)
	if err != nil {
		t.Fatalf("searchBranch() error = %v", err)
	}
	if len(res.Merged) != len(single) {
		t.Fatalf("expected %d results, got %d", len(single), len(res.Merged))
	}
	for i := range single {
		if res.Merged[i].ChunkID != single[i].ChunkID || res.Merged[i].CombinedScore != single[i].CombinedScore {
			t.Fatalf("result %d differs: %+v vs %+v", i, res.Merged[i], single[i])
		}
	}
}

func TestNewMultiQueryRetrieverRejectsBadWeights(t *testing.T) {
	cfg := DefaultRetrievalConfig()
	cfg.SparseWeight = 0.5
	_, err := NewMultiQueryRetriever(&embedderFake{}, nil, &indexFake{}, cfg)
	if !domain.IsKind(err, domain.ErrWeightConfig) {
		t.Fatalf("expected weight config error, got %v", err)
	}
}

func TestRetrieveFusesQueryVariants(t *testing.T) {
	query := "antifungal therapy"
	expanded := expandSynonyms(query)
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "a")
	b := testChunk("b", domain.LevelParagraph, domain.GradeA, "results", false, "b")
	c := testChunk("c", domain.LevelParagraph, domain.GradeA, "results", false, "c")
	index := &indexFake{hits: map[string][]domain.SearchHit{
		query:    {hit(a, 0.9, 0.9), hit(b, 0.5, 0.5)},
		expanded: {hit(b, 0.8, 0.8), hit(c, 0.7, 0.7)},
	}}
	rw, err := NewQueryRewriter(DefaultRewriteConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueryRewriter() error = %v", err)
	}
	r := newTestRetriever(t, &embedderFake{}, index).WithRewriter(rw)

	res, err := r.Retrieve(context.Background(), identitySubQueries(query), domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(index.requests) != 2 {
		t.Fatalf("expected one search per variant, got %d", len(index.requests))
	}
	if res.Branches[0].Variants != 2 {
		t.Fatalf("expected 2 variants reported, got %d", res.Branches[0].Variants)
	}
	if len(res.Merged) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(res.Merged))
	}
	for _, m := range res.Merged {
		if m.ChunkID == "b" && math.Abs(m.CombinedScore-0.8) > 1e-9 {
			t.Fatalf("expected best variant score for b, got %v", m.CombinedScore)
		}
	}
}

func TestRetrieveToleratesFailedVariant(t *testing.T) {
	query := "antifungal therapy"
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "a")
	index := &indexFake{
		hits: map[string][]domain.SearchHit{query: {hit(a, 0.9, 0.9)}},
		errs: map[string]error{expandSynonyms(query): errors.New("index down")},
	}
	rw, err := NewQueryRewriter(DefaultRewriteConfig(), nil)
	if err != nil {
		t.Fatalf("NewQueryRewriter() error = %v", err)
	}
	r := newTestRetriever(t, &embedderFake{}, index).WithRewriter(rw)

	res, err := r.Retrieve(context.Background(), identitySubQueries(query), domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(res.Merged) != 1 || res.Merged[0].ChunkID != "a" || len(res.Notices) != 0 {
		t.Fatalf("expected surviving variant results without notices, got %+v", res)
	}
}

func TestRetrieveEmbedsHypotheticalAnswerAsDocument(t *testing.T) {
	cfg := DefaultRewriteConfig()
	cfg.Synonyms = false
	cfg.HyDE = true
	passage := "Trials found no benefit of aspirin dosing changes."
	rw, err := NewQueryRewriter(cfg, &reformulatorFake{passage: passage})
	if err != nil {
		t.Fatalf("NewQueryRewriter() error = %v", err)
	}
	embedder := &embedderFake{}
	r := newTestRetriever(t, embedder, &indexFake{}).WithRewriter(rw)

	if _, err := r.Retrieve(context.Background(), identitySubQueries("aspirin dosage"), domain.SearchFilter{}); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	modes := map[string]ports.EmbedMode{}
	for i, text := range embedder.calls {
		modes[text] = embedder.modes[i]
	}
	if modes[passage] != ports.EmbedModeDocument {
		t.Fatalf("expected document mode for passage, got %q", modes[passage])
	}
	if modes["aspirin dosage"] != ports.EmbedModeQuery {
		t.Fatalf("expected query mode for original, got %q", modes["aspirin dosage"])
	}
}
