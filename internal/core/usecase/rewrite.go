package usecase

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

const maxReformulations = 5

const (
	VariantOriginal      = "original"
	VariantSynonyms      = "synonyms"
	VariantReformulation = "llm_reformulation"
	VariantHyDE          = "hyde"
)

// QueryVariant is one phrasing of a sub-query. Weight scales its share of
// the rank fusion score.
type QueryVariant struct {
	Text     string  `json:"text"`
	Strategy string  `json:"strategy"`
	Weight   float64 `json:"weight"`
}

type synonymEntry struct {
	term     string
	synonyms []string
}

// medicalSynonyms maps lay and clinical terms to the vocabulary review
// abstracts tend to use. Order is fixed so expansions are reproducible.
var medicalSynonyms = []synonymEntry{
	{"lung cancer", []string{"NSCLC", "SCLC", "pulmonary carcinoma", "bronchogenic carcinoma"}},
	{"breast cancer", []string{"mammary carcinoma", "breast neoplasm"}},
	{"colorectal cancer", []string{"CRC", "colon cancer", "rectal cancer", "bowel cancer"}},
	{"prostate cancer", []string{"prostatic neoplasm", "prostatic carcinoma"}},
	{"melanoma", []string{"malignant melanoma", "skin cancer"}},
	{"chemotherapy", []string{"cytotoxic therapy", "antineoplastic agents"}},
	{"immunotherapy", []string{"immune checkpoint inhibitor", "PD-1", "PD-L1", "CTLA-4"}},
	{"radiation therapy", []string{"radiotherapy", "radiation treatment"}},
	{"surgery", []string{"surgical intervention", "resection"}},
	{"sinusitis", []string{"rhinosinusitis", "CRS"}},
	{"antifungal", []string{"amphotericin", "itraconazole", "antimycotic"}},
	{"asthma", []string{"bronchial asthma", "reactive airway disease"}},
	{"diabetes", []string{"diabetes mellitus", "hyperglycemia"}},
	{"hypertension", []string{"high blood pressure", "elevated blood pressure"}},
	{"obesity", []string{"overweight", "excessive body weight"}},
	{"depression", []string{"major depressive disorder", "MDD"}},
	{"anxiety", []string{"anxiety disorder", "generalized anxiety"}},
	{"adhd", []string{"attention deficit hyperactivity disorder"}},
	{"autism", []string{"autism spectrum disorder", "ASD"}},
	{"children", []string{"pediatric", "paediatric", "adolescent"}},
	{"elderly", []string{"geriatric", "older adults"}},
	{"pregnant", []string{"pregnancy", "prenatal", "antenatal"}},
	{"acupuncture", []string{"needle therapy", "traditional Chinese medicine"}},
	{"herbal medicine", []string{"phytotherapy", "botanical medicine"}},
	{"effective", []string{"efficacy", "beneficial"}},
	{"treatment", []string{"therapy", "intervention", "management"}},
	{"prevention", []string{"prophylaxis", "preventive"}},
	{"pain", []string{"analgesia", "pain relief"}},
	{"infection", []string{"infectious disease"}},
	{"chronic", []string{"long-term", "persistent"}},
	{"acute", []string{"short-term", "sudden onset"}},
}

// QueryRewriter produces the variants a retrieval branch searches with: the
// sub-query itself, a synonym expansion and, with a reformulator, model
// rephrasings and a hypothetical answer passage.
type QueryRewriter struct {
	cfg          RewriteConfig
	reformulator ports.QueryReformulator
}

// NewQueryRewriter accepts a nil reformulator; model variants are then skipped.
func NewQueryRewriter(cfg RewriteConfig, reformulator ports.QueryReformulator) (*QueryRewriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &QueryRewriter{cfg: cfg, reformulator: reformulator}, nil
}

// Rewrite always returns the original text first. Model failures are logged
// and leave the remaining variants intact.
func (r *QueryRewriter) Rewrite(ctx context.Context, text string) []QueryVariant {
	text = strings.TrimSpace(text)
	variants := []QueryVariant{{Text: text, Strategy: VariantOriginal, Weight: 1.0}}
	seen := map[string]struct{}{strings.ToLower(text): {}}
	add := func(v QueryVariant) {
		v.Text = strings.TrimSpace(v.Text)
		key := strings.ToLower(v.Text)
		if v.Text == "" {
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		variants = append(variants, v)
	}

	if r.cfg.Synonyms {
		add(QueryVariant{Text: expandSynonyms(text), Strategy: VariantSynonyms, Weight: r.cfg.SynonymWeight})
	}
	if r.reformulator == nil {
		return variants
	}

	if r.cfg.Reformulations > 0 {
		phrasings, err := r.reformulator.Reformulate(ctx, text, r.cfg.Reformulations)
		if err != nil {
			slog.Warn("query_reformulation_failed", "error", err)
		}
		if len(phrasings) > r.cfg.Reformulations {
			phrasings = phrasings[:r.cfg.Reformulations]
		}
		for _, p := range phrasings {
			add(QueryVariant{Text: p, Strategy: VariantReformulation, Weight: r.cfg.ReformulationWeight})
		}
	}
	if r.cfg.HyDE {
		passage, err := r.reformulator.HypotheticalAnswer(ctx, text)
		if err != nil {
			slog.Warn("hypothetical_answer_failed", "error", err)
		} else {
			add(QueryVariant{Text: passage, Strategy: VariantHyDE, Weight: r.cfg.HyDEWeight})
		}
	}
	return variants
}

// expandSynonyms appends the synonyms of every table term found in text as
// a whole phrase. Synonyms already present are not repeated.
func expandSynonyms(text string) string {
	lower := strings.ToLower(text)
	var added []string
	for _, entry := range medicalSynonyms {
		if !containsPhrase(lower, entry.term) {
			continue
		}
		for _, syn := range entry.synonyms {
			if containsPhrase(lower, strings.ToLower(syn)) {
				continue
			}
			added = append(added, syn)
			lower += " " + strings.ToLower(syn)
		}
	}
	if len(added) == 0 {
		return text
	}
	return text + " " + strings.Join(added, " ")
}

func containsPhrase(text, phrase string) bool {
	for from := 0; ; {
		idx := strings.Index(text[from:], phrase)
		if idx < 0 {
			return false
		}
		start := from + idx
		end := start + len(phrase)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		from = start + 1
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(s[i-1])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
