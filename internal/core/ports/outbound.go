package ports

import (
	"context"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

type EmbedMode string

const (
	EmbedModeQuery    EmbedMode = "query"
	EmbedModeDocument EmbedMode = "document"
)

// Embedder builds dense vectors for query and document text.
type Embedder interface {
	Embed(ctx context.Context, texts []string, mode EmbedMode) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
}

type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SparseEncoder builds keyword term vectors.
type SparseEncoder interface {
	EncodeQuery(text string) SparseVector
	EncodeDocument(text, title string) SparseVector
}

type SearchRequest struct {
	Text   string
	Dense  []float32
	Sparse SparseVector
	Filter domain.SearchFilter
	TopN   int
}

// VectorIndex performs filtered hybrid search. Candidates failing the filter
// are never returned.
type VectorIndex interface {
	Search(ctx context.Context, req SearchRequest) ([]domain.SearchHit, error)
	Dimension(ctx context.Context) (int, error)
}

// VectorWriter indexes chunk vectors.
type VectorWriter interface {
	UpsertChunks(ctx context.Context, chunks []domain.Chunk, dense [][]float32, sparse []SparseVector) error
}

// CrossEncoder scores a (query, passage) pair jointly. Unavailability is
// reported as domain.ErrCrossEncoderUnavailable, never as a zero score.
type CrossEncoder interface {
	Score(ctx context.Context, query, passage string) (float64, error)
}

// ChunkStore is the read side of the chunk hierarchy.
type ChunkStore interface {
	GetChunk(ctx context.Context, id string) (domain.Chunk, error)
	Ancestors(ctx context.Context, id string) ([]domain.Chunk, error)
}

// ChunkRepository persists validated chunk trees.
type ChunkRepository interface {
	ChunkStore
	SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// SubQueryGenerator asks a language model to split a compound question.
type SubQueryGenerator interface {
	GenerateSubQueries(ctx context.Context, query string) ([]domain.SubQuery, error)
}

// QueryReformulator asks a language model for alternative phrasings of a
// query and for a hypothetical answer passage to search with.
type QueryReformulator interface {
	Reformulate(ctx context.Context, query string, n int) ([]string, error)
	HypotheticalAnswer(ctx context.Context, query string) (string, error)
}

// AnswerGenerator creates the final user-facing answer from a context bundle.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, query string, bundle domain.ContextBundle) (string, error)
}
