package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

// Index keeps chunk embeddings in a pgvector column next to a generated
// tsvector, so dense similarity and Postgres full-text rank come from one
// query. The hashed sparse vectors are not stored; full-text rank replaces them.
type Index struct {
	db       *sql.DB
	language string

	mu        sync.Mutex
	dimension int
}

func New(db *sql.DB) *Index {
	return &Index{db: db, language: "english"}
}

// EnsureSchema creates the vector table for the given dimension.
func (i *Index) EnsureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "pgvector schema", fmt.Errorf("dimension must be positive, got %d", dimension))
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101902)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunk_vectors (
	chunk_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	level SMALLINT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	quality_grade TEXT NOT NULL DEFAULT '',
	section TEXT NOT NULL DEFAULT '',
	statistical_flag BOOLEAN NOT NULL DEFAULT FALSE,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	payload JSONB NOT NULL,
	tsv TSVECTOR GENERATED ALWAYS AS (to_tsvector('%[2]s', title || ' ' || content)) STORED,
	embedding vector(%[1]d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunk_vectors_embedding ON chunk_vectors USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_chunk_vectors_tsv ON chunk_vectors USING gin (tsv);
CREATE INDEX IF NOT EXISTS idx_chunk_vectors_filter ON chunk_vectors(topic, quality_grade);
`, dimension, i.language)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("execute vector ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}

	i.mu.Lock()
	i.dimension = dimension
	i.mu.Unlock()
	return nil
}

func (i *Index) UpsertChunks(ctx context.Context, chunks []domain.Chunk, dense [][]float32, _ []ports.SparseVector) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(dense) {
		return domain.WrapError(domain.ErrInvalidInput, "pgvector upsert", fmt.Errorf("chunks/vectors mismatch: %d/%d", len(chunks), len(dense)))
	}
	size := len(dense[0])
	for n, v := range dense {
		if len(v) != size {
			return domain.WrapError(domain.ErrDimensionMismatch, "pgvector upsert", fmt.Errorf("vector %d has %d dims, want %d", n, len(v), size))
		}
	}
	known, err := i.Dimension(ctx)
	if err != nil {
		return err
	}
	switch {
	case known == 0:
		if err := i.EnsureSchema(ctx, size); err != nil {
			return err
		}
	case known != size:
		return domain.WrapError(domain.ErrDimensionMismatch, "pgvector upsert", fmt.Errorf("vectors have %d dims, table has %d", size, known))
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for n, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal chunk payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO chunk_vectors (chunk_id, document_id, level, topic, quality_grade, section, statistical_flag, title, content, payload, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (chunk_id) DO UPDATE SET
	document_id = EXCLUDED.document_id, level = EXCLUDED.level, topic = EXCLUDED.topic,
	quality_grade = EXCLUDED.quality_grade, section = EXCLUDED.section,
	statistical_flag = EXCLUDED.statistical_flag, title = EXCLUDED.title,
	content = EXCLUDED.content, payload = EXCLUDED.payload, embedding = EXCLUDED.embedding
`,
			c.ID, c.DocumentID, int(c.Level), c.Metadata.Topic, string(c.Metadata.QualityGrade), c.Metadata.Section,
			c.Metadata.StatisticalFlag, c.Metadata.Title, c.Content, payload, pgvector.NewVector(dense[n]),
		)
		if err != nil {
			return fmt.Errorf("upsert chunk vector %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// Search returns the union of the dense top-N and the full-text top-N.
// Dense scores are cosine similarities clamped to [0,1]; sparse scores use
// ts_rank_cd normalization 32, which maps rank into [0,1).
func (i *Index) Search(ctx context.Context, req ports.SearchRequest) ([]domain.SearchHit, error) {
	if len(req.Dense) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "pgvector search", errors.New("dense vector is required"))
	}
	known, err := i.Dimension(ctx)
	if err != nil {
		return nil, err
	}
	if known == 0 {
		return nil, nil
	}
	if known != len(req.Dense) {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "pgvector search", fmt.Errorf("query has %d dims, table has %d", len(req.Dense), known))
	}
	limit := req.TopN
	if limit <= 0 {
		limit = 10
	}

	args := []any{pgvector.NewVector(req.Dense), req.Text, limit}
	where := buildWhere(req.Filter, &args)
	query := fmt.Sprintf(`
WITH q AS (
	SELECT $1::vector AS embedding, plainto_tsquery('%[1]s', $2) AS tsq
),
dense AS (
	SELECT cv.chunk_id FROM chunk_vectors cv, q
	WHERE %[2]s
	ORDER BY cv.embedding <=> q.embedding
	LIMIT $3
),
lexical AS (
	SELECT cv.chunk_id FROM chunk_vectors cv, q
	WHERE %[2]s AND cv.tsv @@ q.tsq
	ORDER BY ts_rank_cd(cv.tsv, q.tsq, 32) DESC
	LIMIT $3
)
SELECT cv.payload, 1 - (cv.embedding <=> q.embedding) AS dense_score, ts_rank_cd(cv.tsv, q.tsq, 32) AS sparse_score
FROM chunk_vectors cv, q
WHERE cv.chunk_id IN (SELECT chunk_id FROM dense UNION SELECT chunk_id FROM lexical)
ORDER BY dense_score DESC, cv.chunk_id
`, i.language, where)

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "pgvector search", err)
	}
	defer rows.Close()

	var out []domain.SearchHit
	for rows.Next() {
		var (
			payload     []byte
			denseScore  float64
			sparseScore float64
		)
		if err := rows.Scan(&payload, &denseScore, &sparseScore); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		var chunk domain.Chunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal chunk payload: %w", err)
		}
		out = append(out, domain.SearchHit{
			Chunk:       chunk,
			DenseScore:  clampUnit(denseScore),
			SparseScore: clampUnit(sparseScore),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return out, nil
}

// Dimension reads the declared size of the embedding column, 0 when the
// table does not exist yet.
func (i *Index) Dimension(ctx context.Context) (int, error) {
	i.mu.Lock()
	known := i.dimension
	i.mu.Unlock()
	if known > 0 {
		return known, nil
	}

	var dim int
	err := i.db.QueryRowContext(ctx, `
SELECT COALESCE((
	SELECT atttypmod FROM pg_attribute
	WHERE attrelid = to_regclass('chunk_vectors') AND attname = 'embedding'
), 0)
`).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("read vector dimension: %w", err)
	}
	if dim < 0 {
		dim = 0
	}
	if dim > 0 {
		i.mu.Lock()
		i.dimension = dim
		i.mu.Unlock()
	}
	return dim, nil
}

// buildWhere renders the metadata filter as positional predicates on cv.
func buildWhere(f domain.SearchFilter, args *[]any) string {
	clauses := []string{"TRUE"}
	next := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	if f.Topic != "" {
		clauses = append(clauses, "cv.topic = "+next(f.Topic))
	}
	if grades := domain.GradesAtLeast(f.MinQualityGrade); len(grades) > 0 {
		placeholders := make([]string, 0, len(grades))
		for _, g := range grades {
			placeholders = append(placeholders, next(string(g)))
		}
		clauses = append(clauses, "cv.quality_grade IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.StatisticalOnly {
		clauses = append(clauses, "cv.statistical_flag")
	}
	if f.Section != "" {
		clauses = append(clauses, "cv.section = "+next(f.Section))
	}
	if len(f.Levels) > 0 {
		placeholders := make([]string, 0, len(f.Levels))
		for _, l := range f.Levels {
			placeholders = append(placeholders, next(int(l)))
		}
		clauses = append(clauses, "cv.level IN ("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(clauses, " AND ")
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
