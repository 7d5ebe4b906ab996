package mcpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

const (
	serviceName       = "mcp"
	retrieveToolName  = "retrieve_evidence"
	answerToolName    = "answer_question"
	serverName        = "evidence-rag"
	serverVersion     = "1.0.0"
	maxReturnedChunks = 20
)

// Server exposes the retrieval pipeline as MCP tools.
type Server struct {
	evidence ports.EvidenceAnswerer
	metrics  *metrics.PipelineMetrics
	mcp      *server.MCPServer
}

// NewServer registers the tools. pipelineMetrics may be nil.
func NewServer(evidence ports.EvidenceAnswerer, pipelineMetrics *metrics.PipelineMetrics) *Server {
	s := &Server{
		evidence: evidence,
		metrics:  pipelineMetrics,
		mcp:      server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.mcp.AddTool(retrieveTool(), s.handleRetrieve)
	s.mcp.AddTool(answerTool(), s.handleAnswer)
	return s
}

func requestOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Clinical question, e.g. 'Is antifungal therapy effective and safe for chronic rhinosinusitis?'"),
		),
		mcp.WithString("topic",
			mcp.Description("Restrict evidence to one topic."),
		),
		mcp.WithString("min_quality_grade",
			mcp.Description("Lowest acceptable evidence grade."),
			mcp.Enum("A", "B", "C"),
		),
		mcp.WithNumber("budget_chars",
			mcp.Description("Context budget in characters."),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of ranked chunks to keep."),
		),
	}
}

func retrieveTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Retrieve graded medical evidence chunks with citations for a clinical question."),
	}, requestOptions()...)
	return mcp.NewTool(retrieveToolName, opts...)
}

func answerTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Answer a clinical question from retrieved evidence with numbered sources."),
	}, requestOptions()...)
	return mcp.NewTool(answerToolName, opts...)
}

func (s *Server) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := parseRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	start := time.Now()
	outcome, err := s.evidence.Retrieve(ctx, req)
	s.observe(retrieveToolName, outcome, time.Since(start), err)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", retrieveToolName, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toolResponseFromOutcome(outcome, ""))
}

func (s *Server) handleAnswer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := parseRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	start := time.Now()
	answer, err := s.evidence.Answer(ctx, req)
	var outcome *domain.RetrievalOutcome
	if answer != nil {
		outcome = &answer.Outcome
	}
	s.observe(answerToolName, outcome, time.Since(start), err)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", answerToolName, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toolResponseFromOutcome(outcome, answer.Text))
}

func (s *Server) observe(tool string, outcome *domain.RetrievalOutcome, duration time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(serviceName, tool, outcome, duration, err)
}

func parseRequest(request mcp.CallToolRequest) (domain.RetrieveRequest, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return domain.RetrieveRequest{}, err
	}
	return domain.RetrieveRequest{
		Query:           query,
		Topic:           request.GetString("topic", ""),
		MinQualityGrade: domain.QualityGrade(strings.ToUpper(request.GetString("min_quality_grade", ""))),
		BudgetChars:     request.GetInt("budget_chars", 0),
		TopK:            request.GetInt("top_k", 0),
	}, nil
}

// toolResponse is a compact view of the outcome sized for model context.
type toolResponse struct {
	Answer             string          `json:"answer,omitempty"`
	SubQueries         []string        `json:"sub_queries"`
	Evidence           []toolEvidence  `json:"evidence"`
	QualitySummary     string          `json:"quality_summary"`
	StatisticalSummary string          `json:"statistical_summary"`
	Notices            []domain.Notice `json:"notices,omitempty"`
}

type toolEvidence struct {
	ChunkID  string          `json:"chunk_id"`
	Role     string          `json:"role"`
	Text     string          `json:"text"`
	Citation domain.Citation `json:"citation"`
}

func toolResponseFromOutcome(outcome *domain.RetrievalOutcome, answer string) toolResponse {
	resp := toolResponse{
		Answer:             answer,
		SubQueries:         make([]string, 0, len(outcome.SubQueries)),
		QualitySummary:     outcome.Bundle.QualitySummary,
		StatisticalSummary: outcome.Bundle.StatisticalSummary,
		Notices:            outcome.Notices,
	}
	for _, sq := range outcome.SubQueries {
		resp.SubQueries = append(resp.SubQueries, sq.Text)
	}
	for i, item := range outcome.Bundle.Items {
		if i >= maxReturnedChunks {
			break
		}
		resp.Evidence = append(resp.Evidence, toolEvidence{
			ChunkID:  item.Chunk.ID,
			Role:     string(item.Role),
			Text:     item.Text,
			Citation: item.Citation,
		})
	}
	return resp
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}
