package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
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
		Query:      req.Query,
		SubQueries: []domain.SubQuery{{Text: "antifungal effectiveness", Intent: domain.IntentEffectiveness}, {Text: "antifungal safety", Intent: domain.IntentSafety}},
		Bundle: domain.ContextBundle{
			Items: []domain.ContextItem{{
				Chunk:    domain.Chunk{ID: "d_L4_0"},
				Text:     "## results\nNo improvement in symptom scores.",
				Role:     domain.RolePrimary,
				Citation: domain.Citation{DOI: "10.1002/14651858", QualityGrade: domain.GradeA},
			}},
			QualitySummary: "1 Grade A",
		},
	}, nil
}

func (f *evidenceFake) Answer(ctx context.Context, req domain.RetrieveRequest) (*domain.Answer, error) {
	outcome, err := f.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &domain.Answer{Text: "No benefit [1].", Outcome: *outcome}, nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatalf("expected tool content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestRetrieveToolReturnsEvidence(t *testing.T) {
	fake := &evidenceFake{}
	s := NewServer(fake, nil)

	result, err := s.handleRetrieve(context.Background(), callRequest(retrieveToolName, map[string]any{
		"query":             "Is antifungal therapy effective and safe?",
		"min_quality_grade": "a",
		"top_k":             float64(5),
	}))
	if err != nil {
		t.Fatalf("handleRetrieve() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, result))
	}
	if fake.lastReq.MinQualityGrade != domain.GradeA || fake.lastReq.TopK != 5 {
		t.Fatalf("unexpected request %+v", fake.lastReq)
	}

	var resp toolResponse
	if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("decode tool response: %v", err)
	}
	if len(resp.SubQueries) != 2 || len(resp.Evidence) != 1 || resp.Evidence[0].Citation.QualityGrade != domain.GradeA {
		t.Fatalf("unexpected tool response %+v", resp)
	}
}

func TestRetrieveToolRequiresQuery(t *testing.T) {
	s := NewServer(&evidenceFake{}, nil)
	result, err := s.handleRetrieve(context.Background(), callRequest(retrieveToolName, map[string]any{}))
	if err != nil {
		t.Fatalf("handleRetrieve() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected tool error for missing query")
	}
}

func TestRetrieveToolReportsPipelineFailure(t *testing.T) {
	s := NewServer(&evidenceFake{err: domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", errors.New("index down"))}, nil)
	result, err := s.handleRetrieve(context.Background(), callRequest(retrieveToolName, map[string]any{"query": "q"}))
	if err != nil {
		t.Fatalf("handleRetrieve() error = %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected tool error")
	}
}

func TestAnswerToolIncludesAnswerText(t *testing.T) {
	s := NewServer(&evidenceFake{}, nil)
	result, err := s.handleAnswer(context.Background(), callRequest(answerToolName, map[string]any{"query": "q"}))
	if err != nil {
		t.Fatalf("handleAnswer() error = %v", err)
	}
	var resp toolResponse
	if err := json.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("decode tool response: %v", err)
	}
	if resp.Answer != "No benefit [1]." {
		t.Fatalf("unexpected answer %q", resp.Answer)
	}
}
