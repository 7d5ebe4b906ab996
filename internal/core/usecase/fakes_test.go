package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

type embedderFake struct {
	mu    sync.Mutex
	calls []string
	modes []ports.EmbedMode
	errOn map[string]error
	block bool
}

func (f *embedderFake) Embed(ctx context.Context, texts []string, mode ports.EmbedMode) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, texts...)
	f.modes = append(f.modes, mode)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		if err, ok := f.errOn[t]; ok {
			return nil, err
		}
		out = append(out, []float32{0.1, 0.2, 0.3})
	}
	return out, nil
}

func (f *embedderFake) Dimension(context.Context) (int, error) { return 3, nil }

type sparseFake struct{}

func (sparseFake) EncodeQuery(text string) ports.SparseVector {
	return ports.SparseVector{Indices: []uint32{uint32(len(text))}, Values: []float32{1}}
}

func (sparseFake) EncodeDocument(text, _ string) ports.SparseVector {
	return ports.SparseVector{Indices: []uint32{uint32(len(text))}, Values: []float32{1}}
}

// indexFake serves hits keyed by sub-query text, falling back to the "*" key.
type indexFake struct {
	mu           sync.Mutex
	hits         map[string][]domain.SearchHit
	errs         map[string]error
	requests     []ports.SearchRequest
	ignoreFilter bool
}

func (f *indexFake) Search(_ context.Context, req ports.SearchRequest) ([]domain.SearchHit, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if err, ok := f.errs[req.Text]; ok {
		return nil, err
	}
	hits, ok := f.hits[req.Text]
	if !ok {
		hits = f.hits["*"]
	}
	out := make([]domain.SearchHit, 0, len(hits))
	for _, h := range hits {
		if !f.ignoreFilter && !req.Filter.Matches(h.Chunk.Metadata, h.Chunk.Level) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (f *indexFake) Dimension(context.Context) (int, error) { return 3, nil }

type crossEncoderFake struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	block  bool
	calls  int
}

func (f *crossEncoderFake) Score(ctx context.Context, _ string, passage string) (float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return 0, domain.WrapError(domain.ErrCrossEncoderUnavailable, "score", ctx.Err())
	}
	if f.err != nil {
		return 0, f.err
	}
	for needle, score := range f.scores {
		if strings.Contains(passage, needle) {
			return score, nil
		}
	}
	return 0.5, nil
}

type chunkStoreFake struct {
	chunks map[string]domain.Chunk
	err    error
}

func newChunkStoreFake(chunks []domain.Chunk) *chunkStoreFake {
	m := make(map[string]domain.Chunk, len(chunks))
	for _, c := range chunks {
		m[c.ID] = c
	}
	return &chunkStoreFake{chunks: m}
}

func (f *chunkStoreFake) GetChunk(_ context.Context, id string) (domain.Chunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return domain.Chunk{}, domain.ErrChunkNotFound
	}
	return c, nil
}

func (f *chunkStoreFake) Ancestors(_ context.Context, id string) ([]domain.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.chunks[id]
	if !ok {
		return nil, domain.ErrChunkNotFound
	}
	var out []domain.Chunk
	for c.ParentID != "" {
		parent, ok := f.chunks[c.ParentID]
		if !ok {
			return nil, errors.New("dangling parent")
		}
		out = append(out, parent)
		c = parent
	}
	return out, nil
}

type subQueryGeneratorFake struct {
	out []domain.SubQuery
	err error
}

func (f *subQueryGeneratorFake) GenerateSubQueries(context.Context, string) ([]domain.SubQuery, error) {
	return f.out, f.err
}

type answerGeneratorFake struct {
	bundle domain.ContextBundle
	err    error
}

func (f *answerGeneratorFake) GenerateAnswer(_ context.Context, _ string, bundle domain.ContextBundle) (string, error) {
	f.bundle = bundle
	if f.err != nil {
		return "", f.err
	}
	return "answer", nil
}

func testChunk(id string, level domain.ChunkLevel, grade domain.QualityGrade, section string, statistical bool, content string) domain.Chunk {
	return domain.Chunk{
		ID:          id,
		DocumentID:  "doc-" + string(grade),
		Level:       level,
		Content:     content,
		LevelWeight: domain.DefaultLevelWeights().For(level),
		Metadata: domain.ChunkMetadata{
			Title:           "Review " + string(grade),
			DOI:             "10.1000/" + id,
			Topic:           "ent",
			QualityGrade:    grade,
			Section:         section,
			StatisticalFlag: statistical,
		},
	}
}

func hit(c domain.Chunk, dense, sparse float64) domain.SearchHit {
	return domain.SearchHit{Chunk: c, DenseScore: dense, SparseScore: sparse}
}

func mergedOf(c domain.Chunk, score float64, intents ...domain.Intent) domain.MergedResult {
	return domain.MergedResult{ChunkID: c.ID, Chunk: c, CombinedScore: score, Intents: intents}
}

type reformulatorFake struct {
	phrasings []string
	passage   string
	err       error
	hydeErr   error
}

func (f *reformulatorFake) Reformulate(_ context.Context, _ string, n int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.phrasings, nil
}

func (f *reformulatorFake) HypotheticalAnswer(context.Context, string) (string, error) {
	if f.hydeErr != nil {
		return "", f.hydeErr
	}
	return f.passage, nil
}
