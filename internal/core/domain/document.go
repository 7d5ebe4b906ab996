package domain

import "time"

type DocumentStatus string

const (
	StatusPending DocumentStatus = "pending"
	StatusIndexed DocumentStatus = "indexed"
	StatusFailed  DocumentStatus = "failed"
)

// Document is a systematic review together with its extracted structure.
type Document struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	DOI          string         `json:"doi"`
	URL          string         `json:"url,omitempty"`
	Authors      []string       `json:"authors,omitempty"`
	Topic        string         `json:"topic,omitempty"`
	QualityGrade QualityGrade   `json:"quality_grade,omitempty"`
	Abstract     string         `json:"abstract,omitempty"`
	PICO         PICO           `json:"pico"`
	Sections     []Section      `json:"sections,omitempty"`
	Status       DocumentStatus `json:"status,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Section struct {
	Name        string       `json:"name"`
	Content     string       `json:"content,omitempty"`
	Subsections []Subsection `json:"subsections,omitempty"`
	Paragraphs  []string     `json:"paragraphs,omitempty"`
}

type Subsection struct {
	Name       string   `json:"name"`
	Content    string   `json:"content,omitempty"`
	Paragraphs []string `json:"paragraphs,omitempty"`
}

func (d *Document) Citation() Citation {
	return Citation{
		DocumentID:   d.ID,
		Title:        d.Title,
		DOI:          d.DOI,
		URL:          d.URL,
		QualityGrade: d.QualityGrade,
	}
}
