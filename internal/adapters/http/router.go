package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/evidence-rag/internal/config"
	"github.com/kirillkom/evidence-rag/internal/core/domain"
	"github.com/kirillkom/evidence-rag/internal/core/ports"
	"github.com/kirillkom/evidence-rag/internal/observability/metrics"
)

const serviceName = "api"

type Router struct {
	cfg       config.Config
	evidence  ports.EvidenceAnswerer
	metrics   *metrics.HTTPServerMetrics
	validator *requestValidator
}

// NewRouter builds the HTTP surface. httpMetrics may be nil.
func NewRouter(cfg config.Config, evidence ports.EvidenceAnswerer, httpMetrics *metrics.HTTPServerMetrics) (*Router, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:       cfg,
		evidence:  evidence,
		metrics:   httpMetrics,
		validator: validator,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/retrieve", rt.retrieve)
	mux.HandleFunc("/v1/answer", rt.answer)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = rt.validator.middleware(handler)
	handler = timeoutMiddleware(handler, rt.cfg.APIRequestTimeout)
	handler = backpressureMiddleware(handler, rt.cfg.APIBackpressureMaxInFlight, rt.cfg.APIBackpressureWaitTimeout)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	outcome, err := rt.evidence.Retrieve(r.Context(), req)
	rt.recordRetrieval("retrieve", outcome, time.Since(start), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRetrieveRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	answer, err := rt.evidence.Answer(r.Context(), req)
	var outcome *domain.RetrievalOutcome
	if answer != nil {
		outcome = &answer.Outcome
	}
	rt.recordRetrieval("answer", outcome, time.Since(start), err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) recordRetrieval(endpoint string, outcome *domain.RetrievalOutcome, duration time.Duration, err error) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordRetrieval(serviceName, endpoint, outcome, duration, err)
}

func decodeRetrieveRequest(w http.ResponseWriter, r *http.Request) (domain.RetrieveRequest, bool) {
	var req domain.RetrieveRequest
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return req, false
	}
	return req, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	requestID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed", "request_id", requestID, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"kind":       errorKind(err),
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
