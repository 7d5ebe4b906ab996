package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

var errNotCompound = errors.New("query is not compound")

// DecompositionStrategy turns a query into sub-queries or reports failure so
// the next strategy can be tried.
type DecompositionStrategy interface {
	Name() string
	Decompose(ctx context.Context, query string) ([]domain.SubQuery, error)
}

type Decomposition struct {
	SubQueries []domain.SubQuery
	Strategy   string
	// Degraded is set when an earlier strategy failed for a reason other than
	// the query simply not being compound.
	Degraded bool
	Reason   string
}

type QueryDecomposer struct {
	strategies []DecompositionStrategy
}

func NewQueryDecomposer(strategies ...DecompositionStrategy) *QueryDecomposer {
	out := make([]DecompositionStrategy, 0, len(strategies)+1)
	for _, s := range strategies {
		if s != nil {
			out = append(out, s)
		}
	}
	return &QueryDecomposer{strategies: append(out, IdentityStrategy{})}
}

// Decompose never fails: every strategy error degrades to the next one and
// the identity strategy always succeeds.
func (d *QueryDecomposer) Decompose(ctx context.Context, query string) Decomposition {
	query = strings.TrimSpace(query)
	var result Decomposition
	for _, strategy := range d.strategies {
		subQueries, err := strategy.Decompose(ctx, query)
		if err == nil {
			subQueries, err = validateSubQueries(subQueries)
		}
		if err != nil {
			if !errors.Is(err, errNotCompound) {
				result.Degraded = true
				result.Reason = fmt.Sprintf("%s: %v", strategy.Name(), err)
				slog.Warn("decomposition_strategy_failed",
					"strategy", strategy.Name(),
					"error", err,
				)
			}
			continue
		}
		result.SubQueries = subQueries
		result.Strategy = strategy.Name()
		return result
	}
	result.SubQueries = identitySubQueries(query)
	result.Strategy = IdentityStrategy{}.Name()
	return result
}

func validateSubQueries(subQueries []domain.SubQuery) ([]domain.SubQuery, error) {
	if len(subQueries) < 1 || len(subQueries) > domain.MaxSubQueries {
		return nil, fmt.Errorf("expected 1..%d sub-queries, got %d", domain.MaxSubQueries, len(subQueries))
	}
	out := make([]domain.SubQuery, 0, len(subQueries))
	seen := make(map[string]struct{}, len(subQueries))
	for i, sq := range subQueries {
		sq.Text = strings.TrimSpace(sq.Text)
		if sq.Text == "" {
			return nil, fmt.Errorf("sub-query %d is empty", i)
		}
		key := strings.ToLower(sq.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if sq.Intent == "" {
			sq.Intent = domain.IntentBroad
		}
		if sq.SectionHint == "" {
			sq.SectionHint = sectionHintFor(sq.Intent)
		}
		sq.StatisticalOnly = sq.StatisticalOnly || sq.Intent == domain.IntentStatistical
		if sq.Priority <= 0 {
			sq.Priority = len(out) + 1
		}
		out = append(out, sq)
	}
	return out, nil
}

// ModelBasedStrategy asks a language model to split compound questions.
type ModelBasedStrategy struct {
	generator ports.SubQueryGenerator
}

// NewModelBasedStrategy returns nil when no generator is configured so the
// decomposer skips straight to the keyword strategy.
func NewModelBasedStrategy(generator ports.SubQueryGenerator) DecompositionStrategy {
	if generator == nil {
		return nil
	}
	return &ModelBasedStrategy{generator: generator}
}

func (s *ModelBasedStrategy) Name() string { return "model" }

func (s *ModelBasedStrategy) Decompose(ctx context.Context, query string) ([]domain.SubQuery, error) {
	if !shouldDecompose(query) {
		return nil, errNotCompound
	}
	subQueries, err := s.generator.GenerateSubQueries(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("generate sub-queries: %w", err)
	}
	return subQueries, nil
}

// KeywordStrategy detects compound intent from marker words and emits one
// focused sub-query per detected intent.
type KeywordStrategy struct{}

func (KeywordStrategy) Name() string { return "keyword" }

func (KeywordStrategy) Decompose(_ context.Context, query string) ([]domain.SubQuery, error) {
	if !shouldDecompose(query) {
		return identitySubQueries(query), nil
	}
	intents := detectIntents(query)
	if len(intents) == 0 {
		return identitySubQueries(query), nil
	}
	if len(intents) > domain.MaxSubQueries {
		intents = intents[:domain.MaxSubQueries]
	}
	out := make([]domain.SubQuery, 0, len(intents))
	for i, intent := range intents {
		out = append(out, domain.SubQuery{
			Text:            focusQuery(query, intent),
			Intent:          intent,
			SectionHint:     sectionHintFor(intent),
			StatisticalOnly: intent == domain.IntentStatistical,
			Priority:        i + 1,
		})
	}
	return out, nil
}

// IdentityStrategy returns the query unchanged as a single broad sub-query.
type IdentityStrategy struct{}

func (IdentityStrategy) Name() string { return "identity" }

func (IdentityStrategy) Decompose(_ context.Context, query string) ([]domain.SubQuery, error) {
	return identitySubQueries(query), nil
}

func identitySubQueries(query string) []domain.SubQuery {
	return []domain.SubQuery{{Text: query, Intent: domain.IntentBroad, Priority: 1}}
}

var interrogativePrefixes = []string{
	"are ", "is ", "does ", "do ", "can ", "should ", "what is ", "what are ", "how effective is ", "how effective are ",
}

var focusPrefixes = map[domain.Intent]string{
	domain.IntentEffectiveness: "Effectiveness of ",
	domain.IntentSafety:        "Safety and adverse effects of ",
	domain.IntentComparison:    "Comparison of ",
	domain.IntentMethodology:   "Study design and methods for ",
	domain.IntentStatistical:   "Statistical evidence for ",
}

func focusQuery(query string, intent domain.Intent) string {
	core := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), "?.!"))
	lower := strings.ToLower(core)
	for _, prefix := range interrogativePrefixes {
		if strings.HasPrefix(lower, prefix) {
			core = strings.TrimSpace(core[len(prefix):])
			break
		}
	}
	prefix, ok := focusPrefixes[intent]
	if !ok || core == "" {
		return strings.TrimSpace(query)
	}
	return prefix + core
}
