package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

type evidenceFake struct {
	err     error
	lastReq domain.RetrieveRequest
}

func (f *evidenceFake) Retrieve(_ context.Context, req domain.RetrieveRequest) (*domain.RetrievalOutcome, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.RetrievalOutcome{
		Query:    req.Query,
		Strategy: "identity",
		SubQueries: []domain.SubQuery{
			{Text: req.Query, Intent: domain.IntentBroad},
		},
		Bundle: domain.ContextBundle{
			Items: []domain.ContextItem{{
				Chunk: domain.Chunk{ID: "d_L4_0", Content: "Itraconazole reduced polyp scores."},
				Role:  domain.RolePrimary,
			}},
			TotalChars: 34,
		},
	}, nil
}

func (f *evidenceFake) Answer(ctx context.Context, req domain.RetrieveRequest) (*domain.Answer, error) {
	outcome, err := f.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.Answer{Text: "Antifungals showed no benefit [1].", Outcome: *outcome}, nil
}

func newTestHandler(t *testing.T, cfg config.Config, fake *evidenceFake) http.Handler {
	t.Helper()
	router, err := NewRouter(cfg, fake, nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return router.Handler()
}

func postJSON(handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestHealthzEndpoint(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, &evidenceFake{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}
}

func TestRetrievePassesRequestThrough(t *testing.T) {
	fake := &evidenceFake{}
	handler := newTestHandler(t, config.Config{}, fake)

	res := postJSON(handler, "/v1/retrieve", map[string]any{
		"query":             "antifungal therapy for chronic rhinosinusitis",
		"topic":             "ent",
		"min_quality_grade": "A",
		"budget_chars":      4000,
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if fake.lastReq.Topic != "ent" || fake.lastReq.MinQualityGrade != domain.GradeA || fake.lastReq.BudgetChars != 4000 {
		t.Fatalf("unexpected request passed to pipeline: %+v", fake.lastReq)
	}

	var outcome domain.RetrievalOutcome
	if err := json.NewDecoder(res.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(outcome.Bundle.Items) != 1 || outcome.Bundle.Items[0].Role != domain.RolePrimary {
		t.Fatalf("unexpected bundle %+v", outcome.Bundle)
	}
}

func TestAnswerReturnsTextAndOutcome(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, &evidenceFake{})
	res := postJSON(handler, "/v1/answer", map[string]any{"query": "aspirin dosage"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var answer domain.Answer
	if err := json.NewDecoder(res.Body).Decode(&answer); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if answer.Text == "" || answer.Outcome.Query != "aspirin dosage" {
		t.Fatalf("unexpected answer %+v", answer)
	}
}

func TestRetrieveMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{"invalid input", domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("bad grade")), http.StatusBadRequest, "invalid_input"},
		{"budget too small", domain.WrapError(domain.ErrBudgetTooSmall, "assemble", errors.New("needs 900")), http.StatusUnprocessableEntity, "budget_too_small"},
		{"all branches failed", domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.New("index down")), http.StatusServiceUnavailable, "retrieval_unavailable"},
		{"weight config", domain.WrapError(domain.ErrWeightConfig, "rerank", errors.New("sum 1.1")), http.StatusInternalServerError, "internal"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHandler(t, config.Config{}, &evidenceFake{err: tc.err})
			res := postJSON(handler, "/v1/retrieve", map[string]any{"query": "q"})
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body["kind"] != tc.kind || body["request_id"] == "" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestRetrieveRejectsRequestsOutsideContract(t *testing.T) {
	fake := &evidenceFake{}
	handler := newTestHandler(t, config.Config{}, fake)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty query", map[string]any{"query": ""}},
		{"missing query", map[string]any{"topic": "ent"}},
		{"unknown grade", map[string]any{"query": "q", "min_quality_grade": "D"}},
		{"unknown field", map[string]any{"query": "q", "limit": 3}},
		{"zero budget", map[string]any{"query": "q", "budget_chars": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := postJSON(handler, "/v1/retrieve", tc.body)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
			}
		})
	}
	if fake.lastReq.Query != "" {
		t.Fatalf("pipeline must not be called for rejected requests")
	}
}

func TestRetrieveRejectsWrongMethod(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, &evidenceFake{})
	req := httptest.NewRequest(http.MethodGet, "/v1/retrieve", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestMetricsEndpointExposesPipelineMetrics(t *testing.T) {
	router, err := NewRouter(config.Config{}, &evidenceFake{}, metrics.NewHTTPServerMetrics(serviceName))
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	handler := router.Handler()
	postJSON(handler, "/v1/retrieve", map[string]any{"query": "aspirin dosage"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `evidence_pipeline_requests_total{endpoint="retrieve",outcome="success",service="api"} 1`) {
		t.Fatalf("expected pipeline counter in metrics output:\n%s", body)
	}
}
