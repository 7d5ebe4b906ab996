package usecase

import (
	"sort"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// mergeResults folds per-branch result sets into one entry per chunk id.
// The combined score is the maximum over contributing results and intents are
// unioned, so the outcome does not depend on the order of the input sets.
func mergeResults(sets ...[]domain.SearchResult) []domain.MergedResult {
	byID := make(map[string]*domain.MergedResult)
	for _, set := range sets {
		for _, r := range set {
			if !r.MetadataPass {
				continue
			}
			existing, ok := byID[r.ChunkID]
			if !ok {
				byID[r.ChunkID] = &domain.MergedResult{
					ChunkID:       r.ChunkID,
					Chunk:         r.Chunk,
					CombinedScore: r.CombinedScore,
					Intents:       unionIntents(nil, r.Intents),
					SectionHints:  unionHints(nil, r.SectionHints),
				}
				continue
			}
			if r.CombinedScore > existing.CombinedScore {
				existing.CombinedScore = r.CombinedScore
			}
			existing.Chunk = preferRicherChunk(existing.Chunk, r.Chunk)
			existing.Intents = unionIntents(existing.Intents, r.Intents)
			existing.SectionHints = unionHints(existing.SectionHints, r.SectionHints)
		}
	}

	out := make([]domain.MergedResult, 0, len(byID))
	for _, m := range byID {
		out = append(out, *m)
	}
	sortMerged(out)
	return out
}

func sortMerged(results []domain.MergedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func unionIntents(a, b []domain.Intent) []domain.Intent {
	seen := make(map[domain.Intent]struct{}, len(a)+len(b))
	for _, i := range a {
		seen[i] = struct{}{}
	}
	for _, i := range b {
		seen[i] = struct{}{}
	}
	out := make([]domain.Intent, 0, len(seen))
	for _, i := range append(append([]domain.Intent{}, domain.IntentOrder...), domain.IntentBroad) {
		if _, ok := seen[i]; ok {
			out = append(out, i)
			delete(seen, i)
		}
	}
	extra := make([]string, 0, len(seen))
	for i := range seen {
		extra = append(extra, string(i))
	}
	sort.Strings(extra)
	for _, i := range extra {
		out = append(out, domain.Intent(i))
	}
	return out
}

// unionHints returns the sorted distinct non-empty hints of a and b.
func unionHints(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, h := range append(append([]string{}, a...), b...) {
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
