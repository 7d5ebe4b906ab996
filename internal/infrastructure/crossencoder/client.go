package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

// Client scores (query, passage) pairs against a rerank endpoint that
// accepts {"query","documents"} and answers {"results":[{"index","relevance_score"}]}.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	// logits applies a sigmoid to raw model outputs.
	logits bool
}

func New(baseURL, model string, logits bool, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
		logits:     logits,
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns a relevance score in [0,1]. Every failure is reported as
// domain.ErrCrossEncoderUnavailable.
func (c *Client) Score(ctx context.Context, query, passage string) (float64, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: []string{passage}, TopN: 1})
	if err != nil {
		return 0, domain.WrapError(domain.ErrCrossEncoderUnavailable, "cross-encoder score", err)
	}

	var resp rerankResponse
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("cross-encoder request: %w", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("cross-encoder", "rerank", httpResp)
		}
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return fmt.Errorf("decode rerank response: %w", err)
		}
		return nil
	}

	if c.executor != nil {
		err = c.executor.Execute(ctx, "cross_encoder_rerank", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return 0, domain.WrapError(domain.ErrCrossEncoderUnavailable, "cross-encoder score", err)
	}
	if len(resp.Results) == 0 {
		return 0, domain.WrapError(domain.ErrCrossEncoderUnavailable, "cross-encoder score", errors.New("empty results"))
	}

	score := resp.Results[0].RelevanceScore
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, domain.WrapError(domain.ErrCrossEncoderUnavailable, "cross-encoder score", fmt.Errorf("non-finite score %v", score))
	}
	if c.logits {
		score = 1 / (1 + math.Exp(-score))
	}
	return math.Max(0, math.Min(1, score)), nil
}
