package qdrant

import "github.com/kirillkom/evidence-rag/internal/core/domain"

// chunkPayload is the flat point payload. Filterable fields sit at the top
// level so qdrant can index them.
type chunkPayload struct {
	ChunkID         string              `json:"chunk_id"`
	DocumentID      string              `json:"document_id"`
	ParentID        string              `json:"parent_id,omitempty"`
	Level           int                 `json:"level"`
	Position        int                 `json:"position"`
	Content         string              `json:"content"`
	LevelWeight     float64             `json:"level_weight"`
	Title           string              `json:"title,omitempty"`
	DOI             string              `json:"doi,omitempty"`
	URL             string              `json:"url,omitempty"`
	Topic           string              `json:"topic,omitempty"`
	QualityGrade    domain.QualityGrade `json:"quality_grade,omitempty"`
	Section         string              `json:"section,omitempty"`
	Subsection      string              `json:"subsection,omitempty"`
	PICO            domain.PICO         `json:"pico"`
	StatisticalFlag bool                `json:"statistical_flag"`
}

func payloadFromChunk(c domain.Chunk) chunkPayload {
	return chunkPayload{
		ChunkID:         c.ID,
		DocumentID:      c.DocumentID,
		ParentID:        c.ParentID,
		Level:           int(c.Level),
		Position:        c.Position,
		Content:         c.Content,
		LevelWeight:     c.LevelWeight,
		Title:           c.Metadata.Title,
		DOI:             c.Metadata.DOI,
		URL:             c.Metadata.URL,
		Topic:           c.Metadata.Topic,
		QualityGrade:    c.Metadata.QualityGrade,
		Section:         c.Metadata.Section,
		Subsection:      c.Metadata.Subsection,
		PICO:            c.Metadata.PICO,
		StatisticalFlag: c.Metadata.StatisticalFlag,
	}
}

func (p chunkPayload) toChunk() domain.Chunk {
	return domain.Chunk{
		ID:          p.ChunkID,
		DocumentID:  p.DocumentID,
		ParentID:    p.ParentID,
		Level:       domain.ChunkLevel(p.Level),
		Position:    p.Position,
		Content:     p.Content,
		LevelWeight: p.LevelWeight,
		Metadata: domain.ChunkMetadata{
			Title:           p.Title,
			DOI:             p.DOI,
			URL:             p.URL,
			Topic:           p.Topic,
			QualityGrade:    p.QualityGrade,
			Section:         p.Section,
			Subsection:      p.Subsection,
			PICO:            p.PICO,
			StatisticalFlag: p.StatisticalFlag,
		},
	}
}
