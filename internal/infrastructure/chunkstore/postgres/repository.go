package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// maxAncestorDepth bounds the recursive parent walk; trees are four levels deep.
const maxAncestorDepth = 4

const chunkColumns = `id, document_id, parent_id, level, position, content, level_weight,
	title, doi, url, topic, quality_grade, section, subsection, pico, statistical_flag`

// ChunkRepository keeps documents and their chunk hierarchy in Postgres.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	doi TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	authors JSONB NOT NULL DEFAULT '[]'::jsonb,
	topic TEXT NOT NULL DEFAULT '',
	quality_grade TEXT NOT NULL DEFAULT '',
	abstract TEXT NOT NULL DEFAULT '',
	pico JSONB NOT NULL DEFAULT '{}'::jsonb,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	parent_id TEXT NOT NULL DEFAULT '',
	level SMALLINT NOT NULL CHECK (level BETWEEN 1 AND 4),
	position INTEGER NOT NULL,
	content TEXT NOT NULL,
	level_weight DOUBLE PRECISION NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	doi TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	quality_grade TEXT NOT NULL DEFAULT '',
	section TEXT NOT NULL DEFAULT '',
	subsection TEXT NOT NULL DEFAULT '',
	pico JSONB NOT NULL DEFAULT '{}'::jsonb,
	statistical_flag BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, level, position);
CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveDocument replaces the stored tree of a document in one transaction.
func (r *ChunkRepository) SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	if doc == nil {
		return domain.WrapError(domain.ErrInvalidInput, "save document", errors.New("document is nil"))
	}
	authorsJSON, err := json.Marshal(doc.Authors)
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	picoJSON, err := json.Marshal(doc.PICO)
	if err != nil {
		return fmt.Errorf("marshal pico: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (
	id, title, doi, url, authors, topic, quality_grade, abstract, pico, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title, doi = EXCLUDED.doi, url = EXCLUDED.url, authors = EXCLUDED.authors,
	topic = EXCLUDED.topic, quality_grade = EXCLUDED.quality_grade, abstract = EXCLUDED.abstract,
	pico = EXCLUDED.pico, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`,
		doc.ID, doc.Title, doc.DOI, doc.URL, authorsJSON, doc.Topic, string(doc.QualityGrade),
		doc.Abstract, picoJSON, string(doc.Status), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}

	for _, c := range chunks {
		chunkPICO, err := json.Marshal(c.Metadata.PICO)
		if err != nil {
			return fmt.Errorf("marshal chunk pico: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO chunks (`+chunkColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`,
			c.ID, c.DocumentID, c.ParentID, int(c.Level), c.Position, c.Content, c.LevelWeight,
			c.Metadata.Title, c.Metadata.DOI, c.Metadata.URL, c.Metadata.Topic, string(c.Metadata.QualityGrade),
			c.Metadata.Section, c.Metadata.Subsection, chunkPICO, c.Metadata.StatisticalFlag,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, title, doi, url, authors, topic, quality_grade, abstract, pico, status, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	var doc domain.Document
	var authorsRaw, picoRaw []byte
	var grade, status string
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.DOI, &doc.URL, &authorsRaw, &doc.Topic, &grade,
		&doc.Abstract, &picoRaw, &status, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if err := json.Unmarshal(authorsRaw, &doc.Authors); err != nil {
		return nil, fmt.Errorf("unmarshal authors: %w", err)
	}
	if err := json.Unmarshal(picoRaw, &doc.PICO); err != nil {
		return nil, fmt.Errorf("unmarshal pico: %w", err)
	}
	doc.QualityGrade = domain.ParseQualityGrade(grade)
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}

func (r *ChunkRepository) GetChunk(ctx context.Context, id string) (domain.Chunk, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id)
	chunk, err := scanChunk(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Chunk{}, domain.WrapError(domain.ErrChunkNotFound, "get chunk", fmt.Errorf("id=%s", id))
		}
		return domain.Chunk{}, err
	}
	return chunk, nil
}

// Ancestors walks parent links upward and returns the chain nearest first.
func (r *ChunkRepository) Ancestors(ctx context.Context, id string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
WITH RECURSIVE chain AS (
	SELECT `+chunkColumns+`, 0 AS depth FROM chunks WHERE id = $1
	UNION ALL
	SELECT `+prefixed("p")+`, chain.depth + 1
	FROM chunks p JOIN chain ON p.id = chain.parent_id
	WHERE chain.depth < $2
)
SELECT `+chunkColumns+`, depth FROM chain ORDER BY depth
`, id, maxAncestorDepth)
	if err != nil {
		return nil, fmt.Errorf("query ancestors: %w", err)
	}
	defer rows.Close()

	var (
		out   []domain.Chunk
		found bool
	)
	for rows.Next() {
		var depth int
		chunk, err := scanChunk(rows, &depth)
		if err != nil {
			return nil, err
		}
		if depth == 0 {
			found = true
			continue
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestors: %w", err)
	}
	if !found {
		return nil, domain.WrapError(domain.ErrChunkNotFound, "ancestors", fmt.Errorf("id=%s", id))
	}
	return out, nil
}

func (r *ChunkRepository) DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+chunkColumns+`
FROM chunks
WHERE document_id = $1
ORDER BY level, position
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document chunks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner, extra ...any) (domain.Chunk, error) {
	var (
		c       domain.Chunk
		level   int
		grade   string
		picoRaw []byte
	)
	dest := []any{
		&c.ID, &c.DocumentID, &c.ParentID, &level, &c.Position, &c.Content, &c.LevelWeight,
		&c.Metadata.Title, &c.Metadata.DOI, &c.Metadata.URL, &c.Metadata.Topic, &grade,
		&c.Metadata.Section, &c.Metadata.Subsection, &picoRaw, &c.Metadata.StatisticalFlag,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Chunk{}, err
		}
		return domain.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if len(picoRaw) > 0 {
		if err := json.Unmarshal(picoRaw, &c.Metadata.PICO); err != nil {
			return domain.Chunk{}, fmt.Errorf("unmarshal chunk pico: %w", err)
		}
	}
	c.Level = domain.ChunkLevel(level)
	c.Metadata.QualityGrade = domain.ParseQualityGrade(grade)
	return c, nil
}

func prefixed(alias string) string {
	cols := strings.Split(chunkColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
