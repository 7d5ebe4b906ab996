package usecase

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func TestRerankWeightsMustSumToOne(t *testing.T) {
	tests := []struct {
		name    string
		weights MedicalWeights
		ok      bool
	}{
		{name: "defaults", weights: DefaultMedicalWeights(), ok: true},
		{name: "within tolerance", weights: MedicalWeights{0.25, 0.25, 0.25, 0.2500000001}, ok: true},
		{name: "negative but sums to one", weights: MedicalWeights{1.5, -0.5, 0, 0}, ok: true},
		{name: "over", weights: MedicalWeights{0.3, 0.3, 0.3, 0.3}},
		{name: "under", weights: MedicalWeights{0.1, 0.1, 0.1, 0.1}},
		{name: "nan", weights: MedicalWeights{math.NaN(), 0.2, 0.2, 0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMedicalReranker(tt.weights)
			if tt.ok && err != nil {
				t.Fatalf("expected valid weights, got %v", err)
			}
			if !tt.ok && !domain.IsKind(err, domain.ErrWeightConfig) {
				t.Fatalf("expected weight config error, got %v", err)
			}
		})
	}

	bad := DefaultHybridConfig()
	bad.Weights.PICO = 0.5
	if _, err := NewHybridReranker(&MedicalReranker{weights: DefaultMedicalWeights()}, nil, domain.DefaultLevelWeights(), bad); !domain.IsKind(err, domain.ErrWeightConfig) {
		t.Fatalf("expected hybrid weight config error, got %v", err)
	}
}

func TestMedicalRerankPrefersHigherQuality(t *testing.T) {
	r, err := NewMedicalReranker(DefaultMedicalWeights())
	if err != nil {
		t.Fatalf("NewMedicalReranker() error = %v", err)
	}
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "alpha")
	c := testChunk("c", domain.LevelParagraph, domain.GradeC, "results", false, "gamma")

	out, err := r.Rerank(context.Background(), "Is antifungal therapy effective?", []domain.MergedResult{
		mergedOf(c, 0.6, domain.IntentEffectiveness),
		mergedOf(a, 0.6, domain.IntentEffectiveness),
	})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if out.Results[0].ChunkID != "a" {
		t.Fatalf("expected grade A first, got %s", out.Results[0].ChunkID)
	}
	if out.Results[0].Scores.Quality != 1.0 || out.Results[1].Scores.Quality != 0.4 {
		t.Fatalf("unexpected quality scores %+v", out.Results)
	}
	want := []domain.RerankState{domain.RerankReceived, domain.RerankStage1Scored, domain.RerankCrossEncoderSkipped, domain.RerankFinalized}
	if !reflect.DeepEqual(out.Trace, want) {
		t.Fatalf("unexpected trace %v", out.Trace)
	}
}

func TestMedicalRerankStatisticalAndSectionScores(t *testing.T) {
	r, _ := NewMedicalReranker(DefaultMedicalWeights())
	stat := testChunk("stat", domain.LevelParagraph, domain.GradeB, "results", true, "RR 0.5")
	plain := testChunk("plain", domain.LevelParagraph, domain.GradeB, "background", false, "text")

	out := r.Score("pooled risk ratio for recurrence", []domain.MergedResult{
		mergedOf(plain, 0.9, domain.IntentBroad),
		mergedOf(stat, 0.5, domain.IntentBroad),
	})
	byID := map[string]domain.RerankedResult{}
	for _, res := range out {
		byID[res.ChunkID] = res
	}
	if byID["stat"].Scores.Statistical != 1.0 || byID["plain"].Scores.Statistical != 0.3 {
		t.Fatalf("unexpected statistical scores stat=%v plain=%v", byID["stat"].Scores.Statistical, byID["plain"].Scores.Statistical)
	}
	if byID["stat"].Scores.Semantic != 0 || byID["plain"].Scores.Semantic != 1 {
		t.Fatalf("expected min-max normalized semantic scores")
	}
	if byID["plain"].Scores.Section != 0 {
		t.Fatalf("expected no section relevance for background, got %v", byID["plain"].Scores.Section)
	}
}

func TestMedicalRerankHonoursSubQuerySectionHint(t *testing.T) {
	r, _ := NewMedicalReranker(DefaultMedicalWeights())
	c := testChunk("d", domain.LevelParagraph, domain.GradeA, "discussion", false, "authors discuss harms")

	plain := mergedOf(c, 0.5, domain.IntentEffectiveness)
	hinted := plain
	hinted.SectionHints = []string{"discussion"}

	if got := r.Score("q", []domain.MergedResult{plain})[0].Scores.Section; got != 0 {
		t.Fatalf("expected no section credit without a hint, got %v", got)
	}
	if got := r.Score("q", []domain.MergedResult{hinted})[0].Scores.Section; got != 1.0 {
		t.Fatalf("expected full section credit from the sub-query hint, got %v", got)
	}
}

func TestMedicalRerankEmptyInput(t *testing.T) {
	r, _ := NewMedicalReranker(DefaultMedicalWeights())
	out, err := r.Rerank(context.Background(), "q", nil)
	if err != nil || len(out.Results) != 0 {
		t.Fatalf("expected empty output, got %+v err=%v", out, err)
	}
}

func TestCrossEncoderRerankReorders(t *testing.T) {
	encoder := &crossEncoderFake{scores: map[string]float64{"alpha": 0.1, "beta": 0.95}}
	r := NewCrossEncoderReranker(encoder, DefaultCrossEncoderConfig())
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "alpha")
	b := testChunk("b", domain.LevelParagraph, domain.GradeA, "results", false, "beta")

	out, err := r.Rerank(context.Background(), "q", []domain.MergedResult{mergedOf(a, 0.9), mergedOf(b, 0.2)})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if out.Results[0].ChunkID != "b" || out.Results[0].FinalScore != 0.95 {
		t.Fatalf("expected b first with cross-encoder score, got %+v", out.Results[0])
	}
	if countFallbacks(out.Results) != 0 {
		t.Fatalf("expected no fallbacks")
	}
	if out.State() != domain.RerankFinalized {
		t.Fatalf("expected finalized, got %s", out.State())
	}
}

func TestCrossEncoderTimeoutMatchesFallbackRanking(t *testing.T) {
	cfg := DefaultCrossEncoderConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	r := NewCrossEncoderReranker(&crossEncoderFake{block: true}, cfg)

	var candidates []domain.MergedResult
	for i, score := range []float64{0.3, 0.9, 0.5, 0.7, 0.1} {
		c := testChunk(fmt.Sprintf("c%d", i), domain.LevelParagraph, domain.GradeB, "results", false, fmt.Sprintf("passage %d", i))
		candidates = append(candidates, mergedOf(c, score))
	}

	out, err := r.Rerank(context.Background(), "q", candidates)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out.Results) != len(candidates) {
		t.Fatalf("expected no missing candidates, got %d", len(out.Results))
	}
	wantOrder := []string{"c1", "c3", "c2", "c0", "c4"}
	for i, res := range out.Results {
		if res.ChunkID != wantOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantOrder[i], res.ChunkID)
		}
		if !res.CrossEncoderFallback || res.FinalScore != res.CombinedScore {
			t.Fatalf("expected fallback score for %s, got %+v", res.ChunkID, res)
		}
	}
	wantTrace := []domain.RerankState{domain.RerankReceived, domain.RerankStage1Scored, domain.RerankCrossEncoderAttempted, domain.RerankFinalized}
	if !reflect.DeepEqual(out.Trace, wantTrace) {
		t.Fatalf("unexpected trace %v", out.Trace)
	}
}

func TestCrossEncoderRerankCancelled(t *testing.T) {
	r := NewCrossEncoderReranker(&crossEncoderFake{block: true}, DefaultCrossEncoderConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "alpha")
	if _, err := r.Rerank(ctx, "q", []domain.MergedResult{mergedOf(c, 0.5)}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestHybridRerankSkipsMissingCrossEncoder(t *testing.T) {
	medical, _ := NewMedicalReranker(DefaultMedicalWeights())
	cfg := DefaultHybridConfig()
	cfg.Stage1TopK = 3
	cfg.Stage2TopK = 2
	r, err := NewHybridReranker(medical, NewCrossEncoderReranker(nil, DefaultCrossEncoderConfig()), domain.DefaultLevelWeights(), cfg)
	if err != nil {
		t.Fatalf("NewHybridReranker() error = %v", err)
	}

	var candidates []domain.MergedResult
	for i := 0; i < 5; i++ {
		c := testChunk(fmt.Sprintf("c%d", i), domain.LevelParagraph, domain.GradeA, "results", false, "text")
		candidates = append(candidates, mergedOf(c, float64(i)/10))
	}
	out, err := r.Rerank(context.Background(), "q", candidates)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected stage 2 truncation to 2, got %d", len(out.Results))
	}
	want := []domain.RerankState{domain.RerankReceived, domain.RerankStage1Scored, domain.RerankCrossEncoderSkipped, domain.RerankFinalized}
	if !reflect.DeepEqual(out.Trace, want) {
		t.Fatalf("unexpected trace %v", out.Trace)
	}
	for _, res := range out.Results {
		if res.CrossEncoderFallback || res.Scores.CrossEncoder != nil {
			t.Fatalf("skipped stage must leave no cross-encoder score or fallback flag, got %+v", res)
		}
	}
}

func TestHybridRerankBlendsComponents(t *testing.T) {
	medical, _ := NewMedicalReranker(DefaultMedicalWeights())
	encoder := &crossEncoderFake{scores: map[string]float64{"antifungal": 0.8}}
	r, _ := NewHybridReranker(medical, NewCrossEncoderReranker(encoder, DefaultCrossEncoderConfig()), domain.DefaultLevelWeights(), DefaultHybridConfig())

	c := testChunk("p", domain.LevelParagraph, domain.GradeA, "results", true, "antifungal irrigation RR 0.6")
	c.Metadata.PICO = domain.PICO{Intervention: "antifungal therapies", Comparison: "placebo"}
	out, err := r.Rerank(context.Background(), antifungalQuery, []domain.MergedResult{mergedOf(c, 0.5, domain.IntentEffectiveness)})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	res := out.Results[0]
	if res.Scores.CrossEncoder == nil || *res.Scores.CrossEncoder != 0.8 {
		t.Fatalf("expected cross-encoder score 0.8, got %+v", res.Scores)
	}
	w := DefaultHybridWeights()
	want := w.CrossEncoder*0.8 + w.PICO*res.Scores.PICO + w.Statistical*res.Scores.Statistical + w.LevelWeight*c.LevelWeight
	if math.Abs(res.FinalScore-want) > 1e-9 {
		t.Fatalf("expected final %v, got %v", want, res.FinalScore)
	}
	if res.Scores.PICO <= 0 {
		t.Fatalf("expected PICO overlap, got %v", res.Scores.PICO)
	}
}

func TestHybridRerankUsesConfiguredLevelWeights(t *testing.T) {
	medical, _ := NewMedicalReranker(DefaultMedicalWeights())
	levels := domain.DefaultLevelWeights()
	levels.Paragraph = 0.95
	r, err := NewHybridReranker(medical, NewCrossEncoderReranker(nil, DefaultCrossEncoderConfig()), levels, DefaultHybridConfig())
	if err != nil {
		t.Fatalf("NewHybridReranker() error = %v", err)
	}

	// Both chunks were indexed under older weights.
	a := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "same text")
	a.LevelWeight = 0.65
	b := testChunk("b", domain.LevelParagraph, domain.GradeA, "results", false, "same text")
	b.LevelWeight = 0
	out, err := r.Rerank(context.Background(), "q", []domain.MergedResult{mergedOf(a, 0.5), mergedOf(b, 0.5)})
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out.Results))
	}
	if out.Results[0].FinalScore != out.Results[1].FinalScore {
		t.Fatalf("expected equal scores for same-level chunks, got %v and %v", out.Results[0].FinalScore, out.Results[1].FinalScore)
	}
	res := out.Results[0]
	w := DefaultHybridWeights()
	want := w.CrossEncoder*res.CombinedScore + w.PICO*res.Scores.PICO + w.Statistical*res.Scores.Statistical + w.LevelWeight*0.95
	if math.Abs(res.FinalScore-want) > 1e-9 {
		t.Fatalf("expected final %v from configured weight, got %v", want, res.FinalScore)
	}
}

func TestMinMaxNormalizerSingleCandidate(t *testing.T) {
	c := testChunk("a", domain.LevelParagraph, domain.GradeA, "results", false, "alpha")
	norm := minMaxNormalizer([]domain.MergedResult{mergedOf(c, 0.4)})
	if norm(0.4) != 1 {
		t.Fatalf("expected single positive score to normalize to 1")
	}
}
