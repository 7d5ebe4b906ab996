package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

const defaultEmbedBatchSize = 32

// IndexDocumentUseCase builds a validated chunk tree for a document, stores it
// and indexes every chunk for dense and sparse search.
type IndexDocumentUseCase struct {
	repo      ports.ChunkRepository
	embedder  ports.Embedder
	sparse    ports.SparseEncoder
	writer    ports.VectorWriter
	opts      domain.TreeOptions
	batchSize int
}

func NewIndexDocumentUseCase(
	repo ports.ChunkRepository,
	embedder ports.Embedder,
	sparse ports.SparseEncoder,
	writer ports.VectorWriter,
	opts domain.TreeOptions,
) *IndexDocumentUseCase {
	return &IndexDocumentUseCase{
		repo:      repo,
		embedder:  embedder,
		sparse:    sparse,
		writer:    writer,
		opts:      opts,
		batchSize: defaultEmbedBatchSize,
	}
}

func (uc *IndexDocumentUseCase) IndexDocument(ctx context.Context, doc *domain.Document) (int, error) {
	if doc == nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "index document", errors.New("document is required"))
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Status = domain.StatusPending

	chunks, err := domain.BuildChunkTree(doc, uc.opts)
	if err != nil {
		return 0, fmt.Errorf("build chunk tree: %w", err)
	}

	dense, err := uc.embedChunks(ctx, chunks)
	if err != nil {
		doc.Status = domain.StatusFailed
		return 0, err
	}
	sparse := make([]ports.SparseVector, len(chunks))
	if uc.sparse != nil {
		for i, c := range chunks {
			sparse[i] = uc.sparse.EncodeDocument(c.EnrichedContent(), c.Metadata.Title)
		}
	}

	doc.Status = domain.StatusIndexed
	if err := uc.repo.SaveDocument(ctx, doc, chunks); err != nil {
		doc.Status = domain.StatusFailed
		return 0, fmt.Errorf("save chunk tree: %w", err)
	}
	if err := uc.writer.UpsertChunks(ctx, chunks, dense, sparse); err != nil {
		doc.Status = domain.StatusFailed
		return 0, fmt.Errorf("upsert chunk vectors: %w", err)
	}

	slog.Info("document_indexed",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"topic", doc.Topic,
		"quality_grade", doc.QualityGrade,
	)
	return len(chunks), nil
}

func (uc *IndexDocumentUseCase) embedChunks(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += uc.batchSize {
		end := min(start+uc.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.EnrichedContent())
		}
		vectors, err := uc.embedder.Embed(ctx, texts, ports.EmbedModeDocument)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embed chunks: expected %d vectors, got %d", len(texts), len(vectors))
		}
		out = append(out, vectors...)
	}
	return out, nil
}
