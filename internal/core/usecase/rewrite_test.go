package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func newTestRewriter(t *testing.T, cfg RewriteConfig, reformulator *reformulatorFake) *QueryRewriter {
	t.Helper()
	var rw *QueryRewriter
	var err error
	if reformulator == nil {
		rw, err = NewQueryRewriter(cfg, nil)
	} else {
		rw, err = NewQueryRewriter(cfg, reformulator)
	}
	if err != nil {
		t.Fatalf("NewQueryRewriter() error = %v", err)
	}
	return rw
}

func TestExpandSynonymsAppendsInTableOrder(t *testing.T) {
	got := expandSynonyms("antifungal treatment for children with sinusitis")
	want := "antifungal treatment for children with sinusitis rhinosinusitis CRS amphotericin itraconazole antimycotic pediatric paediatric adolescent therapy intervention management"
	if got != want {
		t.Fatalf("expandSynonyms() =\n%q\nwant\n%q", got, want)
	}
}

func TestExpandSynonymsMatchesWholeWords(t *testing.T) {
	if got := expandSynonyms("painful swallowing"); got != "painful swallowing" {
		t.Fatalf("expected no expansion inside a longer word, got %q", got)
	}
	if got := expandSynonyms("Lung cancer screening"); got != "Lung cancer screening NSCLC SCLC pulmonary carcinoma bronchogenic carcinoma" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestRewriteWithoutMatchesKeepsOriginalOnly(t *testing.T) {
	rw := newTestRewriter(t, DefaultRewriteConfig(), nil)
	got := rw.Rewrite(context.Background(), "aspirin dosage")
	if len(got) != 1 || got[0].Strategy != VariantOriginal || got[0].Weight != 1.0 {
		t.Fatalf("expected the original alone, got %+v", got)
	}
}

func TestRewriteAddsModelVariants(t *testing.T) {
	cfg := DefaultRewriteConfig()
	cfg.Reformulations = 2
	cfg.HyDE = true
	fake := &reformulatorFake{
		phrasings: []string{"Antifungal Treatment For Sinusitis", "efficacy of amphotericin irrigation", "third phrasing beyond the limit"},
		passage:   "Topical antifungals did not improve symptom scores in adults with chronic rhinosinusitis.",
	}
	rw := newTestRewriter(t, cfg, fake)

	got := rw.Rewrite(context.Background(), "antifungal treatment for sinusitis")
	wantStrategies := []string{VariantOriginal, VariantSynonyms, VariantReformulation, VariantHyDE}
	if len(got) != len(wantStrategies) {
		t.Fatalf("expected %d variants, got %+v", len(wantStrategies), got)
	}
	for i, s := range wantStrategies {
		if got[i].Strategy != s {
			t.Fatalf("variant %d: expected %s, got %s", i, s, got[i].Strategy)
		}
	}
	if got[2].Text != "efficacy of amphotericin irrigation" || got[2].Weight != cfg.ReformulationWeight {
		t.Fatalf("expected the case-insensitive duplicate dropped, got %+v", got[2])
	}
	if got[3].Weight != cfg.HyDEWeight {
		t.Fatalf("expected hyde weight %v, got %v", cfg.HyDEWeight, got[3].Weight)
	}
}

func TestRewriteSkipsFailedModelVariants(t *testing.T) {
	cfg := DefaultRewriteConfig()
	cfg.Reformulations = 2
	cfg.HyDE = true
	fake := &reformulatorFake{err: errors.New("model offline"), hydeErr: errors.New("model offline")}
	rw := newTestRewriter(t, cfg, fake)

	got := rw.Rewrite(context.Background(), "antifungal therapy")
	if len(got) != 2 || got[1].Strategy != VariantSynonyms {
		t.Fatalf("expected original and synonyms only, got %+v", got)
	}
}

func TestNewQueryRewriterValidates(t *testing.T) {
	cfg := DefaultRewriteConfig()
	cfg.HyDEWeight = 0
	if _, err := NewQueryRewriter(cfg, nil); !domain.IsKind(err, domain.ErrWeightConfig) {
		t.Fatalf("expected weight config error, got %v", err)
	}
	cfg = DefaultRewriteConfig()
	cfg.RRFK = 0
	if _, err := NewQueryRewriter(cfg, nil); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
