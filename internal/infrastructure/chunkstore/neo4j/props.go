package neo4j

import "github.com/kirillkom/evidence-rag/internal/core/domain"

// chunkProps flattens a chunk into primitive node properties.
func chunkProps(c domain.Chunk) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"document_id":       c.DocumentID,
		"parent_id":         c.ParentID,
		"level":             int64(c.Level),
		"position":          int64(c.Position),
		"content":           c.Content,
		"level_weight":      c.LevelWeight,
		"title":             c.Metadata.Title,
		"doi":               c.Metadata.DOI,
		"url":               c.Metadata.URL,
		"topic":             c.Metadata.Topic,
		"quality_grade":     string(c.Metadata.QualityGrade),
		"section":           c.Metadata.Section,
		"subsection":        c.Metadata.Subsection,
		"pico_population":   c.Metadata.PICO.Population,
		"pico_intervention": c.Metadata.PICO.Intervention,
		"pico_comparison":   c.Metadata.PICO.Comparison,
		"pico_outcome":      c.Metadata.PICO.Outcome,
		"statistical_flag":  c.Metadata.StatisticalFlag,
	}
}

func chunkFromProps(p map[string]any) domain.Chunk {
	return domain.Chunk{
		ID:          str(p, "id"),
		DocumentID:  str(p, "document_id"),
		ParentID:    str(p, "parent_id"),
		Level:       domain.ChunkLevel(integer(p, "level")),
		Position:    int(integer(p, "position")),
		Content:     str(p, "content"),
		LevelWeight: float(p, "level_weight"),
		Metadata: domain.ChunkMetadata{
			Title:        str(p, "title"),
			DOI:          str(p, "doi"),
			URL:          str(p, "url"),
			Topic:        str(p, "topic"),
			QualityGrade: domain.ParseQualityGrade(str(p, "quality_grade")),
			Section:      str(p, "section"),
			Subsection:   str(p, "subsection"),
			PICO: domain.PICO{
				Population:   str(p, "pico_population"),
				Intervention: str(p, "pico_intervention"),
				Comparison:   str(p, "pico_comparison"),
				Outcome:      str(p, "pico_outcome"),
			},
			StatisticalFlag: boolean(p, "statistical_flag"),
		},
	}
}

func str(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func integer(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func float(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func boolean(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}
