package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrBudgetTooSmall):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrDocumentNotFound), domain.IsKind(err, domain.ErrChunkNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrRetrievalUnavailable), domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names the domain kind for clients that branch on it.
func errorKind(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrBudgetTooSmall):
		return "budget_too_small"
	case domain.IsKind(err, domain.ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
