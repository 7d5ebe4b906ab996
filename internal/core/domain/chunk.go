package domain

import (
	"fmt"
	"strings"
)

type ChunkLevel int

const (
	LevelDocument   ChunkLevel = 1
	LevelSection    ChunkLevel = 2
	LevelSubsection ChunkLevel = 3
	LevelParagraph  ChunkLevel = 4
)

func (l ChunkLevel) Valid() bool {
	return l >= LevelDocument && l <= LevelParagraph
}

func (l ChunkLevel) String() string {
	switch l {
	case LevelDocument:
		return "document"
	case LevelSection:
		return "section"
	case LevelSubsection:
		return "subsection"
	case LevelParagraph:
		return "paragraph"
	default:
		return fmt.Sprintf("level_%d", int(l))
	}
}

type QualityGrade string

const (
	GradeA       QualityGrade = "A"
	GradeB       QualityGrade = "B"
	GradeC       QualityGrade = "C"
	GradeUnknown QualityGrade = ""
)

func ParseQualityGrade(raw string) QualityGrade {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "A":
		return GradeA
	case "B":
		return GradeB
	case "C":
		return GradeC
	default:
		return GradeUnknown
	}
}

func (g QualityGrade) Valid() bool {
	return g == GradeA || g == GradeB || g == GradeC
}

// Rank orders grades so that A > B > C > unknown.
func (g QualityGrade) Rank() int {
	switch g {
	case GradeA:
		return 3
	case GradeB:
		return 2
	case GradeC:
		return 1
	default:
		return 0
	}
}

// GradesAtLeast lists every known grade whose rank is not below floor.
func GradesAtLeast(floor QualityGrade) []QualityGrade {
	if floor.Rank() == 0 {
		return nil
	}
	out := make([]QualityGrade, 0, 3)
	for _, g := range []QualityGrade{GradeA, GradeB, GradeC} {
		if g.Rank() >= floor.Rank() {
			out = append(out, g)
		}
	}
	return out
}

type PICO struct {
	Population   string `json:"population,omitempty"`
	Intervention string `json:"intervention,omitempty"`
	Comparison   string `json:"comparison,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
}

func (p PICO) Empty() bool {
	return p.Population == "" && p.Intervention == "" && p.Comparison == "" && p.Outcome == ""
}

type ChunkMetadata struct {
	Title           string       `json:"title,omitempty"`
	DOI             string       `json:"doi,omitempty"`
	URL             string       `json:"url,omitempty"`
	Topic           string       `json:"topic,omitempty"`
	QualityGrade    QualityGrade `json:"quality_grade,omitempty"`
	Section         string       `json:"section,omitempty"`
	Subsection      string       `json:"subsection,omitempty"`
	PICO            PICO         `json:"pico"`
	StatisticalFlag bool         `json:"statistical_flag"`
}

type Chunk struct {
	ID          string        `json:"id"`
	DocumentID  string        `json:"document_id"`
	ParentID    string        `json:"parent_id,omitempty"`
	Level       ChunkLevel    `json:"level"`
	Position    int           `json:"position"`
	Content     string        `json:"content"`
	LevelWeight float64       `json:"level_weight"`
	Metadata    ChunkMetadata `json:"metadata"`
}

// EnrichedContent prefixes paragraph and subsection text with their headers.
func (c Chunk) EnrichedContent() string {
	switch c.Level {
	case LevelParagraph, LevelSubsection:
		var b strings.Builder
		if c.Metadata.Section != "" {
			b.WriteString("## ")
			b.WriteString(c.Metadata.Section)
			b.WriteString("\n")
		}
		if c.Level == LevelParagraph && c.Metadata.Subsection != "" {
			b.WriteString("### ")
			b.WriteString(c.Metadata.Subsection)
			b.WriteString("\n")
		}
		if b.Len() == 0 {
			return c.Content
		}
		b.WriteString("\n")
		b.WriteString(c.Content)
		return b.String()
	default:
		return c.Content
	}
}

// LevelWeights is the single source of level weighting for reranking and assembly.
type LevelWeights struct {
	Document   float64 `yaml:"document" json:"document"`
	Section    float64 `yaml:"section" json:"section"`
	Subsection float64 `yaml:"subsection" json:"subsection"`
	Paragraph  float64 `yaml:"paragraph" json:"paragraph"`
}

func DefaultLevelWeights() LevelWeights {
	return LevelWeights{
		Document:   0.1,
		Section:    0.25,
		Subsection: 0.4,
		Paragraph:  0.65,
	}
}

func (w LevelWeights) For(level ChunkLevel) float64 {
	switch level {
	case LevelDocument:
		return w.Document
	case LevelSection:
		return w.Section
	case LevelSubsection:
		return w.Subsection
	case LevelParagraph:
		return w.Paragraph
	default:
		return 0
	}
}

func (w LevelWeights) Validate() error {
	for _, level := range []ChunkLevel{LevelDocument, LevelSection, LevelSubsection, LevelParagraph} {
		if v := w.For(level); v <= 0 {
			return WrapError(ErrWeightConfig, "validate level weights", fmt.Errorf("%s weight must be positive, got %v", level, v))
		}
	}
	return nil
}

func ChunkID(documentID string, level ChunkLevel, index int) string {
	return fmt.Sprintf("%s_L%d_%d", documentID, int(level), index)
}
