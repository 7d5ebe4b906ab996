package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

var errMissingMedicalReranker = errors.New("medical reranker is required")

// Reranker re-scores merged candidates. Implementations never drop candidates
// except through their configured top-k truncation.
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, candidates []domain.MergedResult) (domain.RerankOutcome, error)
}

func sortReranked(results []domain.RerankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func truncateReranked(results []domain.RerankedResult, topK int) []domain.RerankedResult {
	if topK <= 0 || topK >= len(results) {
		return results
	}
	return results[:topK]
}

// minMaxNormalizer maps scores of a candidate set onto [0,1].
func minMaxNormalizer(candidates []domain.MergedResult) func(float64) float64 {
	if len(candidates) == 0 {
		return func(float64) float64 { return 0 }
	}
	minScore := candidates[0].CombinedScore
	maxScore := candidates[0].CombinedScore
	for _, c := range candidates[1:] {
		if c.CombinedScore < minScore {
			minScore = c.CombinedScore
		}
		if c.CombinedScore > maxScore {
			maxScore = c.CombinedScore
		}
	}
	rangeScore := maxScore - minScore
	return func(v float64) float64 {
		if rangeScore <= 0 {
			if v > 0 {
				return 1
			}
			return 0
		}
		return (v - minScore) / rangeScore
	}
}

func qualityScore(grade domain.QualityGrade) float64 {
	switch grade {
	case domain.GradeA:
		return 1.0
	case domain.GradeB:
		return 0.7
	case domain.GradeC:
		return 0.4
	default:
		return 0.0
	}
}

func statisticalScore(flag, statisticalIntent bool) float64 {
	switch {
	case flag && statisticalIntent:
		return 1.0
	case !flag && statisticalIntent:
		return 0.3
	case flag:
		return 0.6
	default:
		return 0.5
	}
}

func tokenOverlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
