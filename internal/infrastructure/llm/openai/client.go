package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/llm/prompts"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

// Config holds the settings of an OpenAI-compatible provider.
type Config struct {
	APIKey         string
	BaseURL        string
	EmbedModel     string
	ChatModel      string
	Dimensions     int
	QueryPrefix    string
	DocumentPrefix string
}

type Client struct {
	api      *openai.Client
	cfg      Config
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		api:      openai.NewClientWithConfig(clientCfg),
		cfg:      cfg,
		executor: executor,
	}
}

type Embedder struct {
	client *Client

	mu        sync.Mutex
	dimension int
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client, dimension: client.cfg.Dimensions}
}

func (e *Embedder) Embed(ctx context.Context, texts []string, mode ports.EmbedMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefix := e.client.cfg.QueryPrefix
	if mode == ports.EmbedModeDocument {
		prefix = e.client.cfg.DocumentPrefix
	}
	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = prefix + text
	}

	req := openai.EmbeddingRequest{
		Input:          input,
		Model:          openai.EmbeddingModel(e.client.cfg.EmbedModel),
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.client.cfg.Dimensions > 0 {
		req.Dimensions = e.client.cfg.Dimensions
	}

	var resp openai.EmbeddingResponse
	err := e.client.execute(ctx, "embed", func(ctx context.Context) error {
		var err error
		resp, err = e.client.api.CreateEmbeddings(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}

	e.mu.Lock()
	if e.dimension == 0 && len(out[0]) > 0 {
		e.dimension = len(out[0])
	}
	e.mu.Unlock()
	return out, nil
}

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
		return 0, errors.New("openai embed: empty embedding")
	}
	return len(vectors[0]), nil
}

// SubQueryGenerator uses JSON-mode chat completions for decomposition.
type SubQueryGenerator struct {
	client *Client
}

func NewSubQueryGenerator(client *Client) *SubQueryGenerator {
	return &SubQueryGenerator{client: client}
}

func (g *SubQueryGenerator) GenerateSubQueries(ctx context.Context, query string) ([]domain.SubQuery, error) {
	content, err := g.client.chat(ctx, prompts.Decomposition(query), true)
	if err != nil {
		return nil, err
	}
	return prompts.ParseSubQueries(content)
}

type Reformulator struct {
	client *Client
}

func NewReformulator(client *Client) *Reformulator {
	return &Reformulator{client: client}
}

func (r *Reformulator) Reformulate(ctx context.Context, query string, n int) ([]string, error) {
	content, err := r.client.chat(ctx, prompts.Reformulation(query, n), false)
	if err != nil {
		return nil, err
	}
	return prompts.ParseReformulations(content, n), nil
}

func (r *Reformulator) HypotheticalAnswer(ctx context.Context, query string) (string, error) {
	return r.client.chat(ctx, prompts.HypotheticalAnswer(query), false)
}

type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(ctx context.Context, query string, bundle domain.ContextBundle) (string, error) {
	return g.client.chat(ctx, prompts.Answer(query, bundle), false)
}

func (c *Client) chat(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonMode {
		req.Temperature = 0
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var resp openai.ChatCompletionResponse
	err := c.execute(ctx, "chat", func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	call := func(ctx context.Context) error {
		return asStatusError(operation, fn(ctx))
	}
	op := "openai_" + operation
	if c.executor == nil {
		return resilience.WrapTemporary(op, call(ctx))
	}
	return resilience.WrapTemporary(op, c.executor.Execute(ctx, op, call, resilience.ClassifyHTTPError))
}

// asStatusError converts provider errors into resilience.HTTPStatusError so
// the shared classifier decides on retries.
func asStatusError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &resilience.HTTPStatusError{
			Backend:    "openai",
			Operation:  operation,
			StatusCode: apiErr.HTTPStatusCode,
			Status:     http.StatusText(apiErr.HTTPStatusCode),
			Body:       apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &resilience.HTTPStatusError{
			Backend:    "openai",
			Operation:  operation,
			StatusCode: reqErr.HTTPStatusCode,
			Status:     http.StatusText(reqErr.HTTPStatusCode),
			Body:       string(reqErr.Body),
		}
	}
	return fmt.Errorf("openai %s: %w", operation, err)
}
