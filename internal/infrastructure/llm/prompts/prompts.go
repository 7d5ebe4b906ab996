// Package prompts holds the model prompts and response parsing shared by the
// language model adapters.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

const maxQueryChars = 2000

func Decomposition(query string) string {
	return fmt.Sprintf(`You split clinical questions for a systematic review search engine.
Return a strict JSON object {"sub_queries": [...]} with 1 to %d items.
Each item has keys: text (string), intent (one of effectiveness, safety, comparison, methodology, statistical, broad),
section_hint (one of results, discussion, methods, abstract, or empty), statistical_only (boolean), priority (integer, 1 is highest).
Write one item per distinct information need. No markdown, no extra keys.

Question:
%s`, domain.MaxSubQueries, truncateRunes(query, maxQueryChars))
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// Reformulation asks for n alternative phrasings, one per line.
func Reformulation(query string, n int) string {
	return fmt.Sprintf(`Rewrite the clinical question below in %d different ways for searching systematic review abstracts.
Use clinical terminology and standard outcome names. Keep the same information need.
Return one question per line, with no numbering and no other text.

Question:
%s`, n, truncateRunes(query, maxQueryChars))
}

// ParseReformulations keeps at most n non-empty lines, stripping list
// markers the model adds despite the instruction.
func ParseReformulations(raw string, n int) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "0123456789.-)*• "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}

// HypotheticalAnswer asks for a short passage shaped like a review
// conclusion. It is embedded for search, never shown.
func HypotheticalAnswer(query string) string {
	return fmt.Sprintf(`Write a 3 to 4 sentence passage in the style of a Cochrane systematic review conclusion
that answers the clinical question below. Mention the kind of trials, the outcomes and the direction of the effect.
Return only the passage.

Question:
%s`, truncateRunes(query, maxQueryChars))
}

type subQueryEnvelope struct {
	SubQueries []struct {
		Text            string `json:"text"`
		Intent          string `json:"intent"`
		SectionHint     string `json:"section_hint"`
		StatisticalOnly bool   `json:"statistical_only"`
		Priority        int    `json:"priority"`
	} `json:"sub_queries"`
}

// ParseSubQueries decodes the decomposition reply. Unknown intents are an
// error so the caller can fall back to another strategy.
func ParseSubQueries(raw string) ([]domain.SubQuery, error) {
	var env subQueryEnvelope
	if err := json.Unmarshal([]byte(ExtractJSONObject(raw)), &env); err != nil {
		return nil, fmt.Errorf("parse sub-query json: %w", err)
	}
	out := make([]domain.SubQuery, 0, len(env.SubQueries))
	for i, item := range env.SubQueries {
		intent, ok := domain.ParseIntent(strings.ToLower(strings.TrimSpace(item.Intent)))
		if !ok {
			return nil, fmt.Errorf("sub-query %d: unknown intent %q", i, item.Intent)
		}
		out = append(out, domain.SubQuery{
			Text:            item.Text,
			Intent:          intent,
			SectionHint:     strings.ToLower(strings.TrimSpace(item.SectionHint)),
			StatisticalOnly: item.StatisticalOnly,
			Priority:        item.Priority,
		})
	}
	return out, nil
}

// Answer renders the bundle as numbered sources. Citation numbers follow
// bundle order.
func Answer(question string, bundle domain.ContextBundle) string {
	var sources strings.Builder
	for idx, item := range bundle.Items {
		grade := string(item.Citation.QualityGrade)
		if grade == "" {
			grade = "ungraded"
		}
		fmt.Fprintf(&sources, "[%d] %s (grade %s, %s, %s)\n%s\n\n",
			idx+1,
			item.Citation.Title,
			grade,
			item.Chunk.Level,
			item.Role,
			item.Text,
		)
	}

	return fmt.Sprintf(`Answer the clinical question only from the sources below.
Cite sources by number, e.g. [1]. Prefer higher-grade evidence and report effect sizes when present.
If the sources are insufficient, say it directly.

Evidence quality: %s
Statistical content: %s

Question:
%s

Sources:
%s`, bundle.QualitySummary, bundle.StatisticalSummary, question, sources.String())
}

func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
