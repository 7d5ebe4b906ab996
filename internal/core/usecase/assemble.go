package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

// ContextAssembler turns ranked chunks into a length-budgeted bundle with
// ancestor context and citations.
type ContextAssembler struct {
	store  ports.ChunkStore
	levels domain.LevelWeights
	cfg    AssemblyConfig
}

func NewContextAssembler(store ports.ChunkStore, levels domain.LevelWeights, cfg AssemblyConfig) (*ContextAssembler, error) {
	if err := levels.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = DefaultAssemblyConfig().CharsPerToken
	}
	return &ContextAssembler{store: store, levels: levels, cfg: cfg}, nil
}

type assemblyItem struct {
	domain.ContextItem
	length int
}

// Assemble builds the bundle. budgetChars overrides the configured budget
// when positive.
func (a *ContextAssembler) Assemble(
	ctx context.Context,
	ranked []domain.RerankedResult,
	budgetChars int,
) (domain.ContextBundle, []domain.Notice, error) {
	budget := a.cfg.BudgetChars
	if budgetChars > 0 {
		budget = budgetChars
	}
	bundle := domain.ContextBundle{BudgetChars: budget}
	if len(ranked) == 0 {
		bundle.QualitySummary = summarizeQuality(nil)
		bundle.StatisticalSummary = summarizeStatistics(nil)
		return bundle, nil, nil
	}

	primaries := a.primaryItems(ranked)
	supporting, notices, err := a.supportingItems(ctx, primaries)
	if err != nil {
		return domain.ContextBundle{}, notices, err
	}

	protected := highestWeightPrimary(primaries)
	if protected.length > budget {
		return domain.ContextBundle{}, notices, domain.WrapError(
			domain.ErrBudgetTooSmall,
			"assemble context",
			fmt.Errorf("best chunk %s needs %d chars, budget is %d", protected.Chunk.ID, protected.length, budget),
		)
	}

	all := make([]assemblyItem, 0, len(primaries)+len(supporting))
	all = append(all, primaries...)
	all = append(all, supporting...)
	kept := trimToBudget(all, protected.Chunk.ID, budget)

	bundle.Items = orderItems(kept)
	for _, item := range bundle.Items {
		bundle.TotalChars += utf8.RuneCountInString(item.Text)
	}
	bundle.EstimatedTokens = (bundle.TotalChars + a.cfg.CharsPerToken - 1) / a.cfg.CharsPerToken
	bundle.QualitySummary = summarizeQuality(bundle.Items)
	bundle.StatisticalSummary = summarizeStatistics(bundle.Items)
	return bundle, notices, nil
}

func (a *ContextAssembler) primaryItems(ranked []domain.RerankedResult) []assemblyItem {
	out := make([]assemblyItem, 0, len(ranked))
	seenContent := make(map[string]int)
	for _, r := range ranked {
		text := r.Chunk.EnrichedContent()
		key := strings.TrimSpace(r.Chunk.Content)
		if idx, dup := seenContent[key]; dup {
			if r.FinalScore > out[idx].FinalScore {
				out[idx].FinalScore = r.FinalScore
			}
			continue
		}
		seenContent[key] = len(out)
		out = append(out, assemblyItem{
			ContextItem: domain.ContextItem{
				Chunk:      r.Chunk,
				Text:       text,
				Role:       domain.RolePrimary,
				Weight:     a.levels.For(r.Chunk.Level),
				FinalScore: r.FinalScore,
				Citation:   domain.CitationFromChunk(r.Chunk),
			},
			length: utf8.RuneCountInString(text),
		})
	}
	return out
}

func (a *ContextAssembler) supportingItems(ctx context.Context, primaries []assemblyItem) ([]assemblyItem, []domain.Notice, error) {
	if a.store == nil || !a.cfg.IncludeAncestors || a.cfg.AncestorDepth <= 0 {
		return nil, nil, nil
	}

	taken := make(map[string]struct{}, len(primaries))
	takenContent := make(map[string]struct{}, len(primaries))
	for _, p := range primaries {
		taken[p.Chunk.ID] = struct{}{}
		takenContent[strings.TrimSpace(p.Chunk.Content)] = struct{}{}
	}

	ordered := make([]assemblyItem, len(primaries))
	copy(ordered, primaries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].FinalScore != ordered[j].FinalScore {
			return ordered[i].FinalScore > ordered[j].FinalScore
		}
		return ordered[i].Chunk.ID < ordered[j].Chunk.ID
	})

	var (
		out     []assemblyItem
		notices []domain.Notice
	)
	for _, p := range ordered {
		if p.Chunk.Level == domain.LevelDocument {
			continue
		}
		ancestors, err := a.store.Ancestors(ctx, p.Chunk.ID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, notices, ctxErr
			}
			notices = append(notices, domain.Notice{
				Code:    domain.NoticeAncestorLookupFailed,
				Message: fmt.Sprintf("ancestors of %s unavailable: %v", p.Chunk.ID, err),
			})
			slog.Warn("ancestor_lookup_failed", "chunk_id", p.Chunk.ID, "error", err)
			continue
		}
		if len(ancestors) > a.cfg.AncestorDepth {
			ancestors = ancestors[:a.cfg.AncestorDepth]
		}
		for _, anc := range ancestors {
			if _, dup := taken[anc.ID]; dup {
				continue
			}
			content := strings.TrimSpace(anc.Content)
			if _, dup := takenContent[content]; dup {
				continue
			}
			taken[anc.ID] = struct{}{}
			takenContent[content] = struct{}{}

			text := anc.EnrichedContent()
			out = append(out, assemblyItem{
				ContextItem: domain.ContextItem{
					Chunk:        anc,
					Text:         text,
					Role:         domain.RoleSupporting,
					Weight:       a.levels.For(anc.Level) * a.cfg.SupportingFactor,
					FinalScore:   p.FinalScore,
					Citation:     domain.CitationFromChunk(anc),
					IntroducedBy: p.Chunk.ID,
				},
				length: utf8.RuneCountInString(text),
			})
		}
	}
	return out, notices, nil
}

func highestWeightPrimary(primaries []assemblyItem) assemblyItem {
	best := primaries[0]
	for _, p := range primaries[1:] {
		switch {
		case p.Weight > best.Weight:
			best = p
		case p.Weight == best.Weight && p.FinalScore > best.FinalScore:
			best = p
		case p.Weight == best.Weight && p.FinalScore == best.FinalScore && p.Chunk.ID < best.Chunk.ID:
			best = p
		}
	}
	return best
}

// trimToBudget drops items in (weight, final score, chunk id) ascending order
// until the total fits. The protected item is never dropped.
func trimToBudget(items []assemblyItem, protectedID string, budget int) []assemblyItem {
	total := 0
	for _, it := range items {
		total += it.length
	}
	if total <= budget {
		return items
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := items[order[i]], items[order[j]]
		if a.Weight != b.Weight {
			return a.Weight < b.Weight
		}
		if a.FinalScore != b.FinalScore {
			return a.FinalScore < b.FinalScore
		}
		if a.Chunk.ID != b.Chunk.ID {
			return a.Chunk.ID < b.Chunk.ID
		}
		return a.Role == domain.RoleSupporting && b.Role == domain.RolePrimary
	})

	removed := make(map[int]struct{})
	for _, idx := range order {
		if total <= budget {
			break
		}
		if items[idx].Role == domain.RolePrimary && items[idx].Chunk.ID == protectedID {
			continue
		}
		removed[idx] = struct{}{}
		total -= items[idx].length
	}

	out := make([]assemblyItem, 0, len(items)-len(removed))
	for i, it := range items {
		if _, drop := removed[i]; !drop {
			out = append(out, it)
		}
	}
	return out
}

// orderItems lists primaries by final score, each followed by the supporting
// chunks it introduced. Supporting chunks whose primary was trimmed go last.
func orderItems(items []assemblyItem) []domain.ContextItem {
	var primaries []assemblyItem
	supportingBy := make(map[string][]assemblyItem)
	for _, it := range items {
		if it.Role == domain.RolePrimary {
			primaries = append(primaries, it)
			continue
		}
		supportingBy[it.IntroducedBy] = append(supportingBy[it.IntroducedBy], it)
	}
	sort.SliceStable(primaries, func(i, j int) bool {
		if primaries[i].FinalScore != primaries[j].FinalScore {
			return primaries[i].FinalScore > primaries[j].FinalScore
		}
		return primaries[i].Chunk.ID < primaries[j].Chunk.ID
	})

	out := make([]domain.ContextItem, 0, len(items))
	for _, p := range primaries {
		out = append(out, p.ContextItem)
		for _, s := range supportingBy[p.Chunk.ID] {
			out = append(out, s.ContextItem)
		}
		delete(supportingBy, p.Chunk.ID)
	}

	orphans := make([]string, 0, len(supportingBy))
	for id := range supportingBy {
		orphans = append(orphans, id)
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		for _, s := range supportingBy[id] {
			out = append(out, s.ContextItem)
		}
	}
	return out
}

func summarizeQuality(items []domain.ContextItem) string {
	counts := map[domain.QualityGrade]int{}
	seen := map[string]struct{}{}
	for _, it := range items {
		if it.Role != domain.RolePrimary {
			continue
		}
		if _, ok := seen[it.Chunk.DocumentID]; ok {
			continue
		}
		seen[it.Chunk.DocumentID] = struct{}{}
		counts[it.Chunk.Metadata.QualityGrade]++
	}
	parts := make([]string, 0, 4)
	for _, g := range []domain.QualityGrade{domain.GradeA, domain.GradeB, domain.GradeC} {
		if counts[g] > 0 {
			parts = append(parts, fmt.Sprintf("%d Grade %s", counts[g], g))
		}
	}
	if counts[domain.GradeUnknown] > 0 {
		parts = append(parts, fmt.Sprintf("%d ungraded", counts[domain.GradeUnknown]))
	}
	if len(parts) == 0 {
		return "no sources"
	}
	return strings.Join(parts, ", ")
}

func summarizeStatistics(items []domain.ContextItem) string {
	stat := 0
	for _, it := range items {
		if it.Chunk.Metadata.StatisticalFlag {
			stat++
		}
	}
	return fmt.Sprintf("%d of %d chunks contain statistical data", stat, len(items))
}
