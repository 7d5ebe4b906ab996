package crossencoder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func TestScoreReadsRelevance(t *testing.T) {
	var got rerankRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rerank" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0.83}]}`))
	}))
	defer server.Close()

	score, err := New(server.URL, "bge-reranker", false, nil).Score(context.Background(), "antifungal efficacy", "RR 0.56")
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if score != 0.83 {
		t.Fatalf("expected 0.83, got %v", score)
	}
	if got.Query != "antifungal efficacy" || len(got.Documents) != 1 || got.Model != "bge-reranker" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestScoreAppliesSigmoidToLogits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0}]}`))
	}))
	defer server.Close()

	score, err := New(server.URL, "", true, nil).Score(context.Background(), "q", "p")
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if math.Abs(score-0.5) > 1e-9 {
		t.Fatalf("expected sigmoid(0)=0.5, got %v", score)
	}
}

func TestScoreFailuresAreUnavailable(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "oom", http.StatusInternalServerError)
		}},
		{"empty results", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results":[]}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			_, err := New(server.URL, "", false, nil).Score(context.Background(), "q", "p")
			if !domain.IsKind(err, domain.ErrCrossEncoderUnavailable) {
				t.Fatalf("expected ErrCrossEncoderUnavailable, got %v", err)
			}
		})
	}
}

func TestScoreRespectsDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(server.URL, "", false, nil).Score(ctx, "q", "p")
	if !domain.IsKind(err, domain.ErrCrossEncoderUnavailable) {
		t.Fatalf("expected ErrCrossEncoderUnavailable, got %v", err)
	}
}
