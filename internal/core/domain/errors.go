package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrChunkNotFound    = errors.New("chunk not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")

	ErrHierarchyIntegrity      = errors.New("hierarchy integrity violation")
	ErrWeightConfig            = errors.New("invalid weight configuration")
	ErrRetrievalUnavailable    = errors.New("retrieval unavailable")
	ErrBudgetTooSmall          = errors.New("context budget too small")
	ErrCrossEncoderUnavailable = errors.New("cross-encoder unavailable")
	ErrDimensionMismatch       = errors.New("embedding dimension mismatch")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
