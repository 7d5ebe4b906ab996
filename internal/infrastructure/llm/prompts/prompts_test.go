package prompts

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func TestParseSubQueriesStripsWrapping(t *testing.T) {
	raw := "Sure:\n```json\n{\"sub_queries\":[{\"text\":\"antifungal efficacy\",\"intent\":\"Effectiveness\",\"section_hint\":\"Results\",\"priority\":1},{\"text\":\"adverse events\",\"intent\":\"general\"}]}\n```"
	got, err := ParseSubQueries(raw)
	if err != nil {
		t.Fatalf("ParseSubQueries() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sub-queries, got %d", len(got))
	}
	if got[0].Intent != domain.IntentEffectiveness || got[0].SectionHint != "results" {
		t.Fatalf("unexpected first sub-query %+v", got[0])
	}
	if got[1].Intent != domain.IntentBroad {
		t.Fatalf("expected general mapped to broad, got %q", got[1].Intent)
	}
}

func TestParseSubQueriesRejectsUnknownIntent(t *testing.T) {
	if _, err := ParseSubQueries(`{"sub_queries":[{"text":"x","intent":"pricing"}]}`); err == nil {
		t.Fatalf("expected error for unknown intent")
	}
	if _, err := ParseSubQueries(`not json`); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestAnswerNumbersSources(t *testing.T) {
	bundle := domain.ContextBundle{
		QualitySummary: "1 Grade A",
		Items: []domain.ContextItem{
			{Text: "RR 0.56", Role: domain.RolePrimary, Chunk: domain.Chunk{Level: domain.LevelParagraph},
				Citation: domain.Citation{Title: "Antifungals for CRS", QualityGrade: domain.GradeA}},
			{Text: "Results", Role: domain.RoleSupporting, Chunk: domain.Chunk{Level: domain.LevelSection},
				Citation: domain.Citation{Title: "Antifungals for CRS"}},
		},
	}
	prompt := Answer("Do antifungals work?", bundle)
	for _, want := range []string{"[1] Antifungals for CRS (grade A, paragraph, primary)", "[2]", "grade ungraded", "1 Grade A", "Do antifungals work?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected %q in prompt:\n%s", want, prompt)
		}
	}
}

func TestDecompositionStatesSubQueryLimit(t *testing.T) {
	prompt := Decomposition("antifungal safety and efficacy")
	if !strings.Contains(prompt, fmt.Sprintf("with 1 to %d items", domain.MaxSubQueries)) {
		t.Fatalf("expected sub-query limit in prompt, got:\n%s", prompt)
	}
}

func TestDecompositionTruncatesByRune(t *testing.T) {
	query := strings.Repeat("ё", maxQueryChars+10)
	prompt := Decomposition(query)
	if !utf8.ValidString(prompt) {
		t.Fatalf("expected valid UTF-8 after truncation")
	}
	if got := strings.Count(prompt, "ё"); got != maxQueryChars {
		t.Fatalf("expected %d runes kept, got %d", maxQueryChars, got)
	}
}

func TestParseReformulationsStripsMarkersAndCaps(t *testing.T) {
	raw := "1. Efficacy of topical antifungals in chronic rhinosinusitis\n\n- Amphotericin irrigation outcomes\n3) third phrasing"
	got := ParseReformulations(raw, 2)
	want := []string{"Efficacy of topical antifungals in chronic rhinosinusitis", "Amphotericin irrigation outcomes"}
	if len(got) != len(want) {
		t.Fatalf("expected %d phrasings, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phrasing %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestReformulationPromptsCarryQuery(t *testing.T) {
	q := "do antifungals help sinusitis?"
	if p := Reformulation(q, 3); !strings.Contains(p, q) || !strings.Contains(p, "3 different ways") {
		t.Fatalf("unexpected reformulation prompt: %s", p)
	}
	if p := HypotheticalAnswer(q); !strings.Contains(p, q) || !strings.Contains(p, "Cochrane") {
		t.Fatalf("unexpected hypothetical answer prompt: %s", p)
	}
}
