package usecase

import (
	"regexp"
	"strings"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

var (
	populationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:patients?|participants?|adults?|children|child|infants?|neonates?|women|men|people|individuals?)\s+with\s+[^,.?;]+`),
		regexp.MustCompile(`\b(?:in|among|for)\s+((?:older\s+adults|adults?|adolescents|children|infants?|neonates?|elderly(?:\s+patients?)?|pregnant\s+women|women|men|patients?|outpatients|critically\s+ill\s+patients?|hospitali[sz]ed\s+patients?)\b[^,.?;]*)`),
	}
	interventionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(?:are|is|does|do|can|should|will)\s+(.+?)\s+(?:safe|effective|better|superior|useful|beneficial|associated|compared|versus|vs\b|for|in|reduce|improve|prevent)\b`),
		regexp.MustCompile(`\b(?:treatment|therapy|administration|use|application)\s+(?:with|of)\s+([^,.?;]+)`),
		regexp.MustCompile(`\b(?:effect|effects|efficacy|effectiveness|safety)\s+of\s+([^,.?;]+?)(?:\s+(?:for|in|on|compared|versus|vs)\b|$)`),
	}
	comparisonPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:compared\s+(?:to|with)|versus|vs\.?)\s+([^,.?;]+)`),
		regexp.MustCompile(`\b(placebo|usual\s+care|standard\s+care|no\s+treatment|sham\s+\w+|active\s+control|waiting\s+list\s+control)\b`),
	}
	outcomePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(?:improvement|reduction|change)\s+in\s+([^,.?;]+)`),
		regexp.MustCompile(`\b(mortality|morbidity|quality\s+of\s+life|pain\s+relief|symptoms?|symptom\s+improvement|adverse\s+events|side\s+effects|complications|recurrence|remission|readmission|length\s+of\s+stay|survival)\b`),
	}
	picoBoundary = regexp.MustCompile(`\s+(?:compared|versus|vs\.?|and|who|that)\b.*$`)
)

var picoStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "in": {}, "with": {}, "for": {}, "to": {}, "and": {},
	"or": {}, "by": {}, "on": {}, "at": {}, "as": {}, "is": {}, "are": {}, "be": {}, "than": {},
	"compared": {}, "versus": {}, "vs": {}, "who": {}, "that": {},
}

// extractQueryPICO pulls population, intervention, comparison and outcome
// phrases out of a clinical question.
func extractQueryPICO(query string) domain.PICO {
	q := strings.ToLower(strings.TrimSpace(query))
	return domain.PICO{
		Population:   firstPICOMatch(q, populationPatterns, true),
		Intervention: firstPICOMatch(q, interventionPatterns, true),
		Comparison:   firstPICOMatch(q, comparisonPatterns, false),
		Outcome:      firstPICOMatch(q, outcomePatterns, false),
	}
}

func firstPICOMatch(q string, patterns []*regexp.Regexp, trimAtBoundary bool) string {
	for _, p := range patterns {
		m := p.FindStringSubmatch(q)
		if m == nil {
			continue
		}
		phrase := m[0]
		if len(m) > 1 && m[1] != "" {
			phrase = m[1]
		}
		if trimAtBoundary {
			phrase = picoBoundary.ReplaceAllString(phrase, "")
		}
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			return phrase
		}
	}
	return ""
}

// picoMatchScore averages per-element term overlap over all four PICO
// elements, so each element contributes at most 0.25.
func picoMatchScore(query, chunk domain.PICO) float64 {
	pairs := [4][2]string{
		{query.Population, chunk.Population},
		{query.Intervention, chunk.Intervention},
		{query.Comparison, chunk.Comparison},
		{query.Outcome, chunk.Outcome},
	}
	total := 0.0
	for _, p := range pairs {
		total += tokenOverlap(picoTokens(p[0]), picoTokens(p[1]))
	}
	return total / 4.0
}

func picoTokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, token := range splitAlphaNumLower(s) {
		if _, stop := picoStopwords[token]; stop {
			continue
		}
		out[stemPlural(token)] = struct{}{}
	}
	return out
}

func stemPlural(token string) string {
	switch {
	case len(token) > 4 && strings.HasSuffix(token, "ies"):
		return token[:len(token)-3] + "y"
	case len(token) > 3 && strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss") && !strings.HasSuffix(token, "is"):
		return token[:len(token)-1]
	default:
		return token
	}
}
