package domain

type Intent string

const (
	IntentEffectiveness Intent = "effectiveness"
	IntentSafety        Intent = "safety"
	IntentComparison    Intent = "comparison"
	IntentMethodology   Intent = "methodology"
	IntentStatistical   Intent = "statistical"
	IntentBroad         Intent = "broad"
)

// IntentOrder is the fixed order in which detected intents are emitted.
var IntentOrder = []Intent{
	IntentEffectiveness,
	IntentSafety,
	IntentComparison,
	IntentMethodology,
	IntentStatistical,
}

func ParseIntent(raw string) (Intent, bool) {
	switch Intent(raw) {
	case IntentEffectiveness, IntentSafety, IntentComparison, IntentMethodology, IntentStatistical, IntentBroad:
		return Intent(raw), true
	case "general", "":
		return IntentBroad, true
	default:
		return "", false
	}
}

// MaxSubQueries bounds every decomposition, including model replies.
const MaxSubQueries = 4

type SubQuery struct {
	Text            string `json:"text"`
	Intent          Intent `json:"intent"`
	SectionHint     string `json:"section_hint,omitempty"`
	StatisticalOnly bool   `json:"statistical_only"`
	Priority        int    `json:"priority"`
}

// SearchFilter is applied by the index before any scoring takes place.
type SearchFilter struct {
	Topic           string       `json:"topic,omitempty"`
	MinQualityGrade QualityGrade `json:"min_quality_grade,omitempty"`
	StatisticalOnly bool         `json:"statistical_only,omitempty"`
	Section         string       `json:"section,omitempty"`
	Levels          []ChunkLevel `json:"levels,omitempty"`
}

func (f SearchFilter) Matches(meta ChunkMetadata, level ChunkLevel) bool {
	if f.Topic != "" && meta.Topic != f.Topic {
		return false
	}
	if f.MinQualityGrade.Rank() > 0 && meta.QualityGrade.Rank() < f.MinQualityGrade.Rank() {
		return false
	}
	if f.StatisticalOnly && !meta.StatisticalFlag {
		return false
	}
	if f.Section != "" && meta.Section != f.Section {
		return false
	}
	if len(f.Levels) > 0 {
		found := false
		for _, l := range f.Levels {
			if l == level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RetrieveRequest is the inbound shape of a pipeline call.
type RetrieveRequest struct {
	Query            string       `json:"query"`
	Topic            string       `json:"topic,omitempty"`
	MinQualityGrade  QualityGrade `json:"min_quality_grade,omitempty"`
	BudgetChars      int          `json:"budget_chars,omitempty"`
	TopK             int          `json:"top_k,omitempty"`
	DisableDecompose bool         `json:"disable_decompose,omitempty"`
}
