package ports

import (
	"context"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// EvidenceRetriever is the inbound contract for the retrieval pipeline.
type EvidenceRetriever interface {
	Retrieve(ctx context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error)
}

// EvidenceAnswerer retrieves evidence and generates an answer from it.
type EvidenceAnswerer interface {
	EvidenceRetriever
	Answer(ctx context.Context, req domain.RetrieveRequest) (*domain.Answer, error)
}

// CorpusIndexer turns documents into validated chunk trees and indexes them.
type CorpusIndexer interface {
	IndexDocument(ctx context.Context, doc *domain.Document) (int, error)
}
