package domain

// SearchHit is a raw candidate returned by a vector index. Scores are in [0,1].
type SearchHit struct {
	Chunk       Chunk   `json:"chunk"`
	DenseScore  float64 `json:"dense_score"`
	SparseScore float64 `json:"sparse_score"`
}

type SearchResult struct {
	ChunkID       string   `json:"chunk_id"`
	Chunk         Chunk    `json:"chunk"`
	DenseScore    float64  `json:"dense_score"`
	SparseScore   float64  `json:"sparse_score"`
	CombinedScore float64  `json:"combined_score"`
	MetadataPass  bool     `json:"metadata_pass"`
	Intents       []Intent `json:"intents"`
	SectionHints  []string `json:"section_hints,omitempty"`
	// FusionScore is the reciprocal rank fusion score across query variants.
	// It orders results inside a branch only.
	FusionScore float64 `json:"fusion_score,omitempty"`
}

type MergedResult struct {
	ChunkID       string   `json:"chunk_id"`
	Chunk         Chunk    `json:"chunk"`
	CombinedScore float64  `json:"combined_score"`
	Intents       []Intent `json:"intents"`
	// SectionHints are the hints of every sub-query that retrieved the chunk.
	SectionHints []string `json:"section_hints,omitempty"`
}

func (m MergedResult) HasIntent(intent Intent) bool {
	for _, i := range m.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

type ComponentScores struct {
	Quality      float64  `json:"quality"`
	Statistical  float64  `json:"statistical"`
	Section      float64  `json:"section"`
	Semantic     float64  `json:"semantic"`
	PICO         float64  `json:"pico,omitempty"`
	CrossEncoder *float64 `json:"cross_encoder,omitempty"`
}

type RerankState string

const (
	RerankReceived              RerankState = "received"
	RerankStage1Scored          RerankState = "stage1_scored"
	RerankCrossEncoderAttempted RerankState = "cross_encoder_attempted"
	RerankCrossEncoderSkipped   RerankState = "cross_encoder_skipped"
	RerankFinalized             RerankState = "finalized"
)

type RerankedResult struct {
	MergedResult
	Scores               ComponentScores `json:"scores"`
	FinalScore           float64         `json:"final_score"`
	CrossEncoderFallback bool            `json:"cross_encoder_fallback"`
}

type RerankOutcome struct {
	Results []RerankedResult `json:"results"`
	Trace   []RerankState    `json:"trace"`
}

func (o RerankOutcome) State() RerankState {
	if len(o.Trace) == 0 {
		return ""
	}
	return o.Trace[len(o.Trace)-1]
}

type ContextRole string

const (
	RolePrimary    ContextRole = "primary"
	RoleSupporting ContextRole = "supporting"
)

type Citation struct {
	DocumentID   string       `json:"document_id"`
	Title        string       `json:"title"`
	DOI          string       `json:"doi"`
	URL          string       `json:"url,omitempty"`
	QualityGrade QualityGrade `json:"quality_grade"`
}

func CitationFromChunk(c Chunk) Citation {
	return Citation{
		DocumentID:   c.DocumentID,
		Title:        c.Metadata.Title,
		DOI:          c.Metadata.DOI,
		URL:          c.Metadata.URL,
		QualityGrade: c.Metadata.QualityGrade,
	}
}

type ContextItem struct {
	Chunk      Chunk       `json:"chunk"`
	Text       string      `json:"text"`
	Role       ContextRole `json:"role"`
	Weight     float64     `json:"weight"`
	FinalScore float64     `json:"final_score"`
	Citation   Citation    `json:"citation"`
	// IntroducedBy is the primary chunk id a supporting item was fetched for.
	IntroducedBy string `json:"introduced_by,omitempty"`
}

type ContextBundle struct {
	Items              []ContextItem `json:"items"`
	TotalChars         int           `json:"total_chars"`
	BudgetChars        int           `json:"budget_chars"`
	EstimatedTokens    int           `json:"estimated_tokens"`
	QualitySummary     string        `json:"quality_summary"`
	StatisticalSummary string        `json:"statistical_summary"`
}

type NoticeCode string

const (
	NoticeBranchFailed         NoticeCode = "retrieval_branch_failed"
	NoticeCrossEncoderFallback NoticeCode = "cross_encoder_fallback"
	NoticeDecompositionDegrade NoticeCode = "decomposition_degraded"
	NoticeAncestorLookupFailed NoticeCode = "ancestor_lookup_failed"
)

// Notice records a recovered degradation that did not fail the request.
type Notice struct {
	Code    NoticeCode `json:"code"`
	Message string     `json:"message"`
}

type RetrievalOutcome struct {
	Query      string           `json:"query"`
	SubQueries []SubQuery       `json:"sub_queries"`
	Strategy   string           `json:"strategy"`
	Merged     int              `json:"merged_candidates"`
	Ranked     []RerankedResult `json:"ranked"`
	RerankPath []RerankState    `json:"rerank_path"`
	Bundle     ContextBundle    `json:"bundle"`
	Notices    []Notice         `json:"notices,omitempty"`
}

type Answer struct {
	Text    string           `json:"text"`
	Outcome RetrievalOutcome `json:"outcome"`
}
