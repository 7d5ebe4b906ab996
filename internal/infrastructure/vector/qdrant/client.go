package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
	backendName      = "qdrant"
)

// Client stores chunks as points with a named dense vector and a named sparse
// vector, and answers hybrid searches with one batch request.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

type namedVectors struct {
	Dense  []float32          `json:"dense"`
	Sparse ports.SparseVector `json:"sparse"`
}

type point struct {
	ID      string       `json:"id"`
	Vector  namedVectors `json:"vector"`
	Payload chunkPayload `json:"payload"`
}

// PointID maps a chunk id onto the stable UUID qdrant requires.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("chunk:"+chunkID)).String()
}

func (c *Client) UpsertChunks(ctx context.Context, chunks []domain.Chunk, dense [][]float32, sparse []ports.SparseVector) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(dense) || len(chunks) != len(sparse) {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("chunks/vectors mismatch: %d/%d/%d", len(chunks), len(dense), len(sparse)))
	}
	size := len(dense[0])
	for i, v := range dense {
		if len(v) != size {
			return domain.WrapError(domain.ErrDimensionMismatch, "qdrant upsert", fmt.Errorf("vector %d has %d dims, want %d", i, len(v), size))
		}
	}
	if err := c.ensureCollection(ctx, size); err != nil {
		return err
	}

	points := make([]point, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, point{
			ID:      PointID(chunk.ID),
			Vector:  namedVectors{Dense: dense[i], Sparse: sparse[i]},
			Payload: payloadFromChunk(chunk),
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	return c.execute(ctx, "qdrant_upsert", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, url, map[string]any{"points": points}, nil, "upsert")
	})
}

type searchHit struct {
	ID      any          `json:"id"`
	Score   float64      `json:"score"`
	Payload chunkPayload `json:"payload"`
}

// Search runs the dense and sparse searches as one batch. Dense scores are
// cosine similarities; sparse scores are divided by the best sparse score of
// the batch so both land in [0,1].
func (c *Client) Search(ctx context.Context, req ports.SearchRequest) ([]domain.SearchHit, error) {
	if len(req.Dense) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", errors.New("dense vector is required"))
	}
	if size := c.knownVectorSize(); size > 0 && size != len(req.Dense) {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "qdrant search", fmt.Errorf("query has %d dims, collection has %d", len(req.Dense), size))
	}
	limit := req.TopN
	if limit <= 0 {
		limit = 10
	}
	filter := buildFilter(req.Filter)

	searches := []map[string]any{searchBody(map[string]any{"name": denseVectorName, "vector": req.Dense}, filter, limit)}
	withSparse := len(req.Sparse.Indices) > 0
	if withSparse {
		searches = append(searches, searchBody(map[string]any{"name": sparseVectorName, "vector": req.Sparse}, filter, limit))
	}

	var resp struct {
		Result [][]searchHit `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search/batch", c.baseURL, c.collection)
	err := c.execute(ctx, "qdrant_search", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, url, map[string]any{"searches": searches}, &resp, "search")
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}

	byID := make(map[string]*domain.SearchHit)
	order := make([]string, 0, limit*2)
	collect := func(hits []searchHit, assign func(*domain.SearchHit, float64), scale float64) {
		for _, h := range hits {
			chunk := h.Payload.toChunk()
			if chunk.ID == "" {
				continue
			}
			entry, ok := byID[chunk.ID]
			if !ok {
				entry = &domain.SearchHit{Chunk: chunk}
				byID[chunk.ID] = entry
				order = append(order, chunk.ID)
			}
			assign(entry, h.Score*scale)
		}
	}
	collect(resp.Result[0], func(h *domain.SearchHit, s float64) { h.DenseScore = s }, 1)
	if withSparse && len(resp.Result) > 1 {
		best := 0.0
		for _, h := range resp.Result[1] {
			if h.Score > best {
				best = h.Score
			}
		}
		if best > 0 {
			collect(resp.Result[1], func(h *domain.SearchHit, s float64) { h.SparseScore = s }, 1/best)
		}
	}

	out := make([]domain.SearchHit, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func searchBody(vector map[string]any, filter map[string]any, limit int) map[string]any {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	return body
}

// buildFilter translates the search filter into qdrant "must" conditions so
// non-matching points are excluded before scoring.
func buildFilter(f domain.SearchFilter) map[string]any {
	must := make([]map[string]any, 0, 5)
	if f.Topic != "" {
		must = append(must, matchValue("topic", f.Topic))
	}
	if grades := domain.GradesAtLeast(f.MinQualityGrade); len(grades) > 0 {
		anyOf := make([]string, 0, len(grades))
		for _, g := range grades {
			anyOf = append(anyOf, string(g))
		}
		must = append(must, map[string]any{"key": "quality_grade", "match": map[string]any{"any": anyOf}})
	}
	if f.StatisticalOnly {
		must = append(must, matchValue("statistical_flag", true))
	}
	if f.Section != "" {
		must = append(must, matchValue("section", f.Section))
	}
	if len(f.Levels) > 0 {
		levels := make([]int, 0, len(f.Levels))
		for _, l := range f.Levels {
			levels = append(levels, int(l))
		}
		must = append(must, map[string]any{"key": "level", "match": map[string]any{"any": levels}})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func matchValue(key string, value any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}

// Dimension reports the configured dense vector size, or 0 when the
// collection does not exist yet.
func (c *Client) Dimension(ctx context.Context) (int, error) {
	if size := c.knownVectorSize(); size > 0 {
		return size, nil
	}
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors map[string]struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.execute(ctx, "qdrant_collection_info", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, url, nil, &resp, "collection info")
	})
	if err != nil {
		var statusErr *resilience.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return 0, nil
		}
		return 0, err
	}
	size := resp.Result.Config.Params.Vectors[denseVectorName].Size
	if size > 0 {
		c.markCollectionEnsured(size)
	}
	return size, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{},
		},
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.doJSON(ctx, http.MethodPut, url, reqBody, nil, "ensure collection")
	if err != nil {
		var statusErr *resilience.HTTPStatusError
		// 409 when the collection already exists.
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusConflict {
			return err
		}
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) knownVectorSize() int {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if !c.ensuredCollection {
		return 0
	}
	return c.ensuredVectorSize
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	err := c.executor.Execute(ctx, operation, fn, resilience.ClassifyHTTPError)
	return resilience.WrapTemporary(operation, err)
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, out any, operation string) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError(backendName, operation, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
