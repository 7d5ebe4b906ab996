package usecase

import (
	"sort"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

const defaultRRFK = 60

type fusedResult struct {
	result domain.SearchResult
	score  float64
}

// fuseVariantsRRF merges the ranked lists of one branch's query variants.
// Each list adds weight/(rrfK+rank+1) per chunk; the combined score kept is
// the best one seen, so later merging across branches is unaffected by how
// many variants found a chunk.
func fuseVariantsRRF(lists [][]domain.SearchResult, weights []float64, rrfK int) []domain.SearchResult {
	if rrfK <= 0 {
		rrfK = defaultRRFK
	}

	acc := make(map[string]*fusedResult)
	for i, list := range lists {
		weight := 1.0
		if i < len(weights) {
			weight = weights[i]
		}
		for rank, r := range list {
			c, ok := acc[r.ChunkID]
			if !ok {
				c = &fusedResult{result: r}
				c.result.Intents = append([]domain.Intent(nil), r.Intents...)
				acc[r.ChunkID] = c
			} else {
				c.result.Chunk = preferRicherChunk(c.result.Chunk, r.Chunk)
				if r.CombinedScore > c.result.CombinedScore {
					c.result.DenseScore = r.DenseScore
					c.result.SparseScore = r.SparseScore
					c.result.CombinedScore = r.CombinedScore
				}
				c.result.Intents = unionIntents(c.result.Intents, r.Intents)
				c.result.SectionHints = unionHints(c.result.SectionHints, r.SectionHints)
			}
			c.score += weight / float64(rrfK+rank+1)
		}
	}

	out := make([]domain.SearchResult, 0, len(acc))
	for _, c := range acc {
		r := c.result
		r.FusionScore = c.score
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FusionScore != out[j].FusionScore {
			return out[i].FusionScore > out[j].FusionScore
		}
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

func trimResults(results []domain.SearchResult, limit int) []domain.SearchResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}

// preferRicherChunk picks a payload deterministically when two result sets
// return the same chunk id.
func preferRicherChunk(a, b domain.Chunk) domain.Chunk {
	if len(b.Content) != len(a.Content) {
		if len(b.Content) > len(a.Content) {
			return b
		}
		return a
	}
	if b.Content < a.Content {
		return b
	}
	return a
}
