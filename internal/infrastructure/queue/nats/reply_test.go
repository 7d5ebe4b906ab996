package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

func TestReplyCarriesOutcome(t *testing.T) {
	outcome := &domain.RetrievalOutcome{Query: "antifungal", Strategy: "keyword", Merged: 3}
	got, err := decodeReply(encodeReply(outcome, nil))
	if err != nil {
		t.Fatalf("decodeReply() error = %v", err)
	}
	if got.Query != "antifungal" || got.Merged != 3 {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestReplyPreservesErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is empty")), domain.ErrInvalidInput},
		{domain.WrapError(domain.ErrRetrievalUnavailable, "retrieve", domain.WrapError(domain.ErrTemporary, "qdrant", errors.New("503"))), domain.ErrRetrievalUnavailable},
		{domain.WrapError(domain.ErrBudgetTooSmall, "assemble", errors.New("budget 10")), domain.ErrBudgetTooSmall},
	}
	for _, tc := range cases {
		_, err := decodeReply(encodeReply(nil, tc.err))
		if !domain.IsKind(err, tc.kind) {
			t.Fatalf("expected kind %v preserved, got %v", tc.kind, err)
		}
	}
}

func TestReplyUnknownErrorIsInternal(t *testing.T) {
	_, err := decodeReply(encodeReply(nil, fmt.Errorf("boom")))
	if err == nil || domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if c := classifyNATSError(fmt.Errorf("nats request: %w", nats.ErrNoResponders)); !c.Retryable {
		t.Fatalf("expected no responders to be retryable")
	}
	if c := classifyNATSError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("expected cancellation to be ignored, got %+v", c)
	}
	if err := wrapTemporaryIfNeeded("nats.request", nats.ErrTimeout); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
}
