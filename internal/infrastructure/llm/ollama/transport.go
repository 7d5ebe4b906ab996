package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kirillkom/evidence-rag/internal/infrastructure/resilience"
)

// postJSON runs one request through the executor. The request body is
// rebuilt per attempt.
func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ollama %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewHTTPStatusError("ollama", operation, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}

	if c.executor == nil {
		return resilience.WrapTemporary("ollama_"+operation, call(ctx))
	}
	err = c.executor.Execute(ctx, "ollama_"+operation, call, resilience.ClassifyHTTPError)
	return resilience.WrapTemporary("ollama_"+operation, err)
}
