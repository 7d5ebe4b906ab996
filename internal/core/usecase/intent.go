package usecase

import (
	"strings"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

var decompositionKeywords = map[domain.Intent][]string{
	domain.IntentEffectiveness: {"effective", "efficacy", "benefit", "improve", "work", "help"},
	domain.IntentSafety:        {"safe", "safety", "adverse", "side effect", "harm", "risk", "toxic"},
	domain.IntentComparison:    {"compare", "versus", "vs ", "vs.", "better than", "superior to"},
	domain.IntentMethodology:   {"method", "methodology", "design", "study design", "how study"},
	domain.IntentStatistical:   {"statistical", "statistically", "p-value", "confidence interval", "evidence", "odds ratio", "risk ratio"},
}

// primaryIntentKeywords drive single-intent detection for non-compound queries,
// checked in order.
var primaryIntentKeywords = []struct {
	intent   domain.Intent
	keywords []string
}{
	{domain.IntentEffectiveness, []string{"effective", "efficacy", "treatment", "therapy", "intervention", "benefit"}},
	{domain.IntentSafety, []string{"safety", "safe", "adverse", "side effect", "harm", "risk", "toxicity"}},
	{domain.IntentMethodology, []string{"method", "how", "design", "study design", "search strategy", "criteria"}},
	{domain.IntentStatistical, []string{"statistical", "p-value", "confidence", "significance", "evidence"}},
}

var statisticalQueryPhrases = []string{
	"statistical", "statistically", "p-value", "p value", "confidence interval",
	"significance", "significant", "odds ratio", "risk ratio", "hazard ratio",
	"effect size", "mean difference", "meta-analysis", "pooled", "heterogeneity",
}

var statisticalQueryAbbrev = map[string]struct{}{
	"ci": {}, "or": {}, "rr": {}, "hr": {}, "md": {}, "smd": {},
}

var compoundMarkers = []string{"both", "as well as", "along with"}

// sectionPriorities ranks the review sections most likely to answer each intent.
var sectionPriorities = map[domain.Intent][]string{
	domain.IntentEffectiveness: {"results", "authors_conclusions", "main_results"},
	domain.IntentSafety:        {"results", "discussion", "adverse_effects"},
	domain.IntentComparison:    {"results", "main_results", "discussion"},
	domain.IntentMethodology:   {"methods", "search_methods", "data_collection"},
	domain.IntentStatistical:   {"results", "statistical_analysis"},
	domain.IntentBroad:         {"abstract", "main_results", "authors_conclusions"},
}

func detectIntents(query string) []domain.Intent {
	q := strings.ToLower(query)
	out := make([]domain.Intent, 0, len(domain.IntentOrder))
	for _, intent := range domain.IntentOrder {
		if containsAny(q, decompositionKeywords[intent]) {
			out = append(out, intent)
		}
	}
	return out
}

func shouldDecompose(query string) bool {
	q := strings.ToLower(query)
	if len(detectIntents(q)) >= 2 {
		return true
	}
	if strings.Contains(q, " and ") && containsAny(q, []string{"effective", "safe", "compare"}) {
		return true
	}
	if containsAny(q, []string{"compare", "versus", " vs ", " vs."}) {
		return true
	}
	return containsAny(q, compoundMarkers)
}

func detectPrimaryIntent(query string) domain.Intent {
	q := strings.ToLower(query)
	for _, entry := range primaryIntentKeywords {
		if containsAny(q, entry.keywords) {
			return entry.intent
		}
	}
	return domain.IntentBroad
}

func isStatisticalQuery(query string) bool {
	q := strings.ToLower(query)
	if containsAny(q, statisticalQueryPhrases) {
		return true
	}
	for _, token := range splitAlphaNumLower(q) {
		if _, ok := statisticalQueryAbbrev[token]; ok {
			return true
		}
	}
	return false
}

func sectionHintFor(intent domain.Intent) string {
	switch intent {
	case domain.IntentEffectiveness, domain.IntentSafety, domain.IntentComparison, domain.IntentStatistical:
		return "results"
	case domain.IntentMethodology:
		return "methods"
	default:
		return ""
	}
}

// sectionRelevance is 1.0 when the chunk sits in the hinted section, decays
// along the intent's priority list for sibling sections and is 0 otherwise.
func sectionRelevance(intent domain.Intent, hint, section string) float64 {
	section = strings.ToLower(section)
	if section == "" {
		return 0
	}
	if hint != "" && strings.Contains(section, hint) {
		return 1.0
	}
	priorities, ok := sectionPriorities[intent]
	if !ok {
		priorities = sectionPriorities[domain.IntentBroad]
	}
	for idx, name := range priorities {
		if strings.Contains(section, name) {
			score := 1.0 - float64(idx)*0.15
			if score < 0.4 {
				score = 0.4
			}
			return score
		}
	}
	return 0
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
