package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

// HTTPStatusError is returned by the HTTP-based backends for non-2xx replies.
type HTTPStatusError struct {
	Backend    string
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s %s status: %s", e.Backend, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Backend, e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// NewHTTPStatusError reads at most 2 KiB of the body for diagnostics.
func NewHTTPStatusError(backend, operation string, resp *http.Response) *HTTPStatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Backend:    backend,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// ClassifyHTTPError retries transport failures and 408/429/5xx replies.
// Cancellation is neither retried nor counted against the breaker.
func ClassifyHTTPError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if IsRetryableHTTPStatus(statusErr.StatusCode) {
			return ErrorClassification{
				Retryable:     true,
				RecordFailure: true,
			}
		}
		return ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

// WrapTemporary marks retryable and breaker failures as domain.ErrTemporary.
func WrapTemporary(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	class := ClassifyHTTPError(err)
	if class.Retryable || IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
