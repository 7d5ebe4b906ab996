package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/llm/prompts"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

const (
	defaultQueryPrefix    = "search_query: "
	defaultDocumentPrefix = "search_document: "
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, genModel, embedModel string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// Embedder prefixes texts with the task instruction the embedding model was
// trained with, so queries and documents land in comparable regions.
type Embedder struct {
	client         *Client
	queryPrefix    string
	documentPrefix string

	mu        sync.Mutex
	dimension int
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{
		client:         client,
		queryPrefix:    defaultQueryPrefix,
		documentPrefix: defaultDocumentPrefix,
	}
}

// WithPrefixes overrides the task prefixes; empty strings disable them.
func (e *Embedder) WithPrefixes(query, document string) *Embedder {
	e.queryPrefix = query
	e.documentPrefix = document
	return e
}

func (e *Embedder) Embed(ctx context.Context, texts []string, mode ports.EmbedMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefix := e.queryPrefix
	if mode == ports.EmbedModeDocument {
		prefix = e.documentPrefix
	}
	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = prefix + text
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": input,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: expected %d vectors, got %d", len(texts), len(response.Embeddings))
	}

	e.mu.Lock()
	if e.dimension == 0 && len(response.Embeddings[0]) > 0 {
		e.dimension = len(response.Embeddings[0])
	}
	e.mu.Unlock()
	return response.Embeddings, nil
}

// Dimension embeds a sample once and remembers the vector size.
func (e *Embedder) Dimension(ctx context.Context) (int, error) {
	e.mu.Lock()
	dim := e.dimension
	e.mu.Unlock()
	if dim > 0 {
		return dim, nil
	}
	vectors, err := e.Embed(ctx, []string{"dimension check"}, ports.EmbedModeQuery)
	if err != nil {
		return 0, err
	}
	if len(vectors[0]) == 0 {
		return 0, errors.New("ollama embed: empty embedding")
	}
	return len(vectors[0]), nil
}

// SubQueryGenerator asks the generation model for a JSON decomposition.
type SubQueryGenerator struct {
	client *Client
}

func NewSubQueryGenerator(client *Client) *SubQueryGenerator {
	return &SubQueryGenerator{client: client}
}

func (g *SubQueryGenerator) GenerateSubQueries(ctx context.Context, query string) ([]domain.SubQuery, error) {
	respText, err := g.client.generateJSON(ctx, prompts.Decomposition(query))
	if err != nil {
		return nil, err
	}
	return prompts.ParseSubQueries(respText)
}

// Reformulator produces search phrasings and hypothetical answers with the
// generation model.
type Reformulator struct {
	client *Client
}

func NewReformulator(client *Client) *Reformulator {
	return &Reformulator{client: client}
}

func (r *Reformulator) Reformulate(ctx context.Context, query string, n int) ([]string, error) {
	respText, err := r.client.generateText(ctx, prompts.Reformulation(query, n))
	if err != nil {
		return nil, err
	}
	return prompts.ParseReformulations(respText, n), nil
}

func (r *Reformulator) HypotheticalAnswer(ctx context.Context, query string) (string, error) {
	return r.client.generateText(ctx, prompts.HypotheticalAnswer(query))
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(ctx context.Context, query string, bundle domain.ContextBundle) (string, error) {
	return g.client.generateText(ctx, prompts.Answer(query, bundle))
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}
	return c.generate(ctx, reqBody)
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
	}
	return c.generate(ctx, reqBody)
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}
