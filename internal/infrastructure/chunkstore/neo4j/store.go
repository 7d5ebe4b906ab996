// Package neo4j keeps the chunk hierarchy as a graph: documents own chunks
// through HAS_CHUNK and every non-root chunk points at its parent with CHILD_OF.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

const maxAncestorHops = 3

type statement struct {
	cypher string
	params map[string]any
}

// runner isolates the driver so the mapping logic can be tested with fixed records.
type runner interface {
	read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
	write(ctx context.Context, stmts []statement) error
}

type Store struct {
	run    runner
	closer func(context.Context) error
}

func Open(ctx context.Context, uri, user, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return &Store{
		run:    &driverRunner{driver: driver, database: database},
		closer: driver.Close,
	}, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.run.write(ctx, []statement{
		{cypher: `CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`},
		{cypher: `CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`},
	})
}

// SaveDocument replaces the document subgraph in one write transaction.
func (s *Store) SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	if doc == nil {
		return domain.WrapError(domain.ErrInvalidInput, "save document", errors.New("document is nil"))
	}
	rows := make([]map[string]any, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, chunkProps(c))
	}

	return s.run.write(ctx, []statement{
		{
			cypher: `MERGE (d:Document {id: $id})
SET d.title = $title, d.doi = $doi, d.url = $url, d.topic = $topic,
	d.quality_grade = $quality_grade, d.status = $status`,
			params: map[string]any{
				"id": doc.ID, "title": doc.Title, "doi": doc.DOI, "url": doc.URL, "topic": doc.Topic,
				"quality_grade": string(doc.QualityGrade), "status": string(doc.Status),
			},
		},
		{
			cypher: `MATCH (:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk) DETACH DELETE c`,
			params: map[string]any{"id": doc.ID},
		},
		{
			cypher: `MATCH (d:Document {id: $id})
UNWIND $rows AS row
CREATE (d)-[:HAS_CHUNK]->(c:Chunk)
SET c = row`,
			params: map[string]any{"id": doc.ID, "rows": rows},
		},
		{
			cypher: `MATCH (:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
WHERE c.parent_id <> ''
MATCH (p:Chunk {id: c.parent_id})
CREATE (c)-[:CHILD_OF]->(p)`,
			params: map[string]any{"id": doc.ID},
		},
	})
}

func (s *Store) GetChunk(ctx context.Context, id string) (domain.Chunk, error) {
	records, err := s.run.read(ctx, `MATCH (c:Chunk {id: $id}) RETURN c`, map[string]any{"id": id})
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("query chunk: %w", err)
	}
	if len(records) == 0 {
		return domain.Chunk{}, domain.WrapError(domain.ErrChunkNotFound, "get chunk", fmt.Errorf("id=%s", id))
	}
	node, _, err := neo4j.GetRecordValue[neo4j.Node](records[0], "c")
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("read chunk node: %w", err)
	}
	return chunkFromProps(node.Props), nil
}

// Ancestors returns the CHILD_OF chain nearest first.
func (s *Store) Ancestors(ctx context.Context, id string) ([]domain.Chunk, error) {
	records, err := s.run.read(ctx, fmt.Sprintf(`MATCH (c:Chunk {id: $id})
OPTIONAL MATCH path = (c)-[:CHILD_OF*1..%d]->(a:Chunk)
RETURN a, length(path) AS depth
ORDER BY depth`, maxAncestorHops), map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("query ancestors: %w", err)
	}
	if len(records) == 0 {
		return nil, domain.WrapError(domain.ErrChunkNotFound, "ancestors", fmt.Errorf("id=%s", id))
	}

	type ranked struct {
		depth int64
		chunk domain.Chunk
	}
	chain := make([]ranked, 0, len(records))
	for _, rec := range records {
		node, isNil, err := neo4j.GetRecordValue[neo4j.Node](rec, "a")
		if err != nil {
			return nil, fmt.Errorf("read ancestor node: %w", err)
		}
		if isNil {
			continue
		}
		depth, _, _ := neo4j.GetRecordValue[int64](rec, "depth")
		chain = append(chain, ranked{depth: depth, chunk: chunkFromProps(node.Props)})
	}
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].depth < chain[j].depth })

	out := make([]domain.Chunk, 0, len(chain))
	for _, r := range chain {
		out = append(out, r.chunk)
	}
	return out, nil
}

func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	records, err := s.run.read(ctx, `MATCH (:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk)
RETURN c ORDER BY c.level, c.position`, map[string]any{"id": documentID})
	if err != nil {
		return nil, fmt.Errorf("query document chunks: %w", err)
	}
	out := make([]domain.Chunk, 0, len(records))
	for _, rec := range records {
		node, _, err := neo4j.GetRecordValue[neo4j.Node](rec, "c")
		if err != nil {
			return nil, fmt.Errorf("read chunk node: %w", err)
		}
		out = append(out, chunkFromProps(node.Props))
	}
	return out, nil
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *driverRunner) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(d.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (d *driverRunner) write(ctx context.Context, stmts []statement) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: d.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range stmts {
			result, err := tx.Run(ctx, s.cypher, s.params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j write: %w", err)
	}
	return nil
}
