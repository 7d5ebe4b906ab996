package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/llm/prompts"
)

const antifungalQuery = "Are antifungal therapies safe and effective for allergic fungal sinusitis in adults compared to placebo?"

func TestKeywordDecomposeCompoundQuery(t *testing.T) {
	d := NewQueryDecomposer(KeywordStrategy{})
	got := d.Decompose(context.Background(), antifungalQuery)

	if got.Strategy != "keyword" {
		t.Fatalf("expected keyword strategy, got %s", got.Strategy)
	}
	want := []domain.Intent{domain.IntentEffectiveness, domain.IntentSafety, domain.IntentComparison}
	if len(got.SubQueries) != len(want) {
		t.Fatalf("expected %d sub-queries, got %+v", len(want), got.SubQueries)
	}
	for i, sq := range got.SubQueries {
		if sq.Intent != want[i] {
			t.Fatalf("sub-query %d: expected intent %s, got %s", i, want[i], sq.Intent)
		}
		if sq.SectionHint != "results" {
			t.Fatalf("sub-query %d: expected results hint, got %q", i, sq.SectionHint)
		}
		if sq.Priority != i+1 {
			t.Fatalf("sub-query %d: expected priority %d, got %d", i, i+1, sq.Priority)
		}
		if !strings.Contains(sq.Text, "antifungal therapies") {
			t.Fatalf("expected sub-query to keep the intervention, got %q", sq.Text)
		}
	}
	if got.Degraded {
		t.Fatalf("expected clean decomposition, got reason %q", got.Reason)
	}
}

func TestDecomposeSimpleQueryYieldsSingleBroad(t *testing.T) {
	d := NewQueryDecomposer(NewModelBasedStrategy(&subQueryGeneratorFake{err: errors.New("must not be called")}), KeywordStrategy{})
	got := d.Decompose(context.Background(), "aspirin dosage")

	if len(got.SubQueries) != 1 {
		t.Fatalf("expected 1 sub-query, got %d", len(got.SubQueries))
	}
	if got.SubQueries[0].Intent != domain.IntentBroad {
		t.Fatalf("expected broad intent, got %s", got.SubQueries[0].Intent)
	}
	if got.SubQueries[0].Text != "aspirin dosage" {
		t.Fatalf("expected query unchanged, got %q", got.SubQueries[0].Text)
	}
	if got.Degraded {
		t.Fatalf("non-compound query must not count as degraded")
	}
}

func TestDecomposeModelFailureFallsBackToKeywords(t *testing.T) {
	gen := &subQueryGeneratorFake{err: errors.New("model offline")}
	d := NewQueryDecomposer(NewModelBasedStrategy(gen), KeywordStrategy{})
	got := d.Decompose(context.Background(), antifungalQuery)

	if got.Strategy != "keyword" {
		t.Fatalf("expected keyword fallback, got %s", got.Strategy)
	}
	if !got.Degraded || !strings.Contains(got.Reason, "model offline") {
		t.Fatalf("expected degraded decomposition with reason, got %+v", got)
	}
	if len(got.SubQueries) != 3 {
		t.Fatalf("expected 3 sub-queries, got %d", len(got.SubQueries))
	}
}

func TestDecomposeModelOutputValidated(t *testing.T) {
	tests := []struct {
		name     string
		out      []domain.SubQuery
		strategy string
	}{
		{
			name:     "too many",
			out:      []domain.SubQuery{{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"}, {Text: "e"}},
			strategy: "keyword",
		},
		{
			name:     "empty text",
			out:      []domain.SubQuery{{Text: " "}},
			strategy: "keyword",
		},
		{
			name:     "valid",
			out:      []domain.SubQuery{{Text: "antifungal efficacy", Intent: domain.IntentEffectiveness}, {Text: "antifungal statistics", Intent: domain.IntentStatistical}},
			strategy: "model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewQueryDecomposer(NewModelBasedStrategy(&subQueryGeneratorFake{out: tt.out}), KeywordStrategy{})
			got := d.Decompose(context.Background(), antifungalQuery)
			if got.Strategy != tt.strategy {
				t.Fatalf("expected strategy %s, got %s", tt.strategy, got.Strategy)
			}
		})
	}
}

func TestDecomposeModelOutputFillsDefaults(t *testing.T) {
	gen := &subQueryGeneratorFake{out: []domain.SubQuery{
		{Text: "pooled risk ratio for recurrence", Intent: domain.IntentStatistical},
		{Text: "trial design"},
	}}
	got := NewQueryDecomposer(NewModelBasedStrategy(gen)).Decompose(context.Background(), antifungalQuery)

	if !got.SubQueries[0].StatisticalOnly || got.SubQueries[0].SectionHint != "results" {
		t.Fatalf("expected statistical defaults, got %+v", got.SubQueries[0])
	}
	if got.SubQueries[1].Intent != domain.IntentBroad || got.SubQueries[1].Priority != 2 {
		t.Fatalf("expected broad defaults, got %+v", got.SubQueries[1])
	}
}

func TestDecomposeAcceptsLargestReplyThePromptAllows(t *testing.T) {
	prompt := prompts.Decomposition(antifungalQuery)
	if !strings.Contains(prompt, fmt.Sprintf("1 to %d items", domain.MaxSubQueries)) {
		t.Fatalf("expected prompt to ask for at most %d items, got:\n%s", domain.MaxSubQueries, prompt)
	}

	items := make([]string, 0, domain.MaxSubQueries)
	for i := 0; i < domain.MaxSubQueries; i++ {
		items = append(items, fmt.Sprintf(`{"text":"antifungal need %d","intent":"effectiveness"}`, i))
	}
	reply := `{"sub_queries":[` + strings.Join(items, ",") + `]}`
	parsed, err := prompts.ParseSubQueries(reply)
	if err != nil {
		t.Fatalf("ParseSubQueries() error = %v", err)
	}

	got := NewQueryDecomposer(NewModelBasedStrategy(&subQueryGeneratorFake{out: parsed}), KeywordStrategy{}).
		Decompose(context.Background(), antifungalQuery)
	if got.Strategy != "model" || got.Degraded {
		t.Fatalf("expected model strategy without degradation, got %s (%s)", got.Strategy, got.Reason)
	}
	if len(got.SubQueries) != domain.MaxSubQueries {
		t.Fatalf("expected %d sub-queries, got %d", domain.MaxSubQueries, len(got.SubQueries))
	}
}

func TestDecomposeModelOutputDropsDuplicates(t *testing.T) {
	gen := &subQueryGeneratorFake{out: []domain.SubQuery{
		{Text: "Antifungal efficacy", Intent: domain.IntentEffectiveness},
		{Text: "antifungal efficacy ", Intent: domain.IntentEffectiveness},
		{Text: "antifungal adverse events", Intent: domain.IntentSafety},
	}}
	got := NewQueryDecomposer(NewModelBasedStrategy(gen)).Decompose(context.Background(), antifungalQuery)

	if len(got.SubQueries) != 2 {
		t.Fatalf("expected duplicate collapsed, got %+v", got.SubQueries)
	}
	if got.SubQueries[0].Text != "Antifungal efficacy" || got.SubQueries[1].Priority != 2 {
		t.Fatalf("expected first occurrence kept with dense priorities, got %+v", got.SubQueries)
	}
}

func TestNewModelBasedStrategyNilGenerator(t *testing.T) {
	if s := NewModelBasedStrategy(nil); s != nil {
		t.Fatalf("expected nil strategy for nil generator")
	}
	d := NewQueryDecomposer(NewModelBasedStrategy(nil))
	if got := d.Decompose(context.Background(), antifungalQuery); got.Strategy != "identity" {
		t.Fatalf("expected identity, got %s", got.Strategy)
	}
}
