package nats

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/evidence-rag/internal/core/domain"
)

type replyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type reply struct {
	Outcome *domain.RetrievalOutcome `json:"outcome,omitempty"`
	Error   *replyError              `json:"error,omitempty"`
}

// errorKinds are the domain errors that survive the wire, most specific first.
var errorKinds = []struct {
	name string
	kind error
}{
	{"invalid_input", domain.ErrInvalidInput},
	{"budget_too_small", domain.ErrBudgetTooSmall},
	{"weight_config", domain.ErrWeightConfig},
	{"hierarchy_integrity", domain.ErrHierarchyIntegrity},
	{"dimension_mismatch", domain.ErrDimensionMismatch},
	{"retrieval_unavailable", domain.ErrRetrievalUnavailable},
	{"cross_encoder_unavailable", domain.ErrCrossEncoderUnavailable},
	{"temporary", domain.ErrTemporary},
}

func kindOf(err error) string {
	for _, k := range errorKinds {
		if domain.IsKind(err, k.kind) {
			return k.name
		}
	}
	return "internal"
}

func kindByName(name string) (error, bool) {
	for _, k := range errorKinds {
		if k.name == name {
			return k.kind, true
		}
	}
	return nil, false
}

func encodeReply(outcome *domain.RetrievalOutcome, err error) []byte {
	r := reply{Outcome: outcome}
	if err != nil {
		r = reply{Error: &replyError{Kind: kindOf(err), Message: err.Error()}}
	}
	data, marshalErr := json.Marshal(r)
	if marshalErr != nil {
		data, _ = json.Marshal(reply{Error: &replyError{Kind: "internal", Message: marshalErr.Error()}})
	}
	return data
}

func decodeReply(data []byte) (*domain.RetrievalOutcome, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode retrieve reply: %w", err)
	}
	if r.Error != nil {
		remote := errors.New(r.Error.Message)
		if kind, ok := kindByName(r.Error.Kind); ok {
			return nil, domain.WrapError(kind, "remote retrieve", remote)
		}
		return nil, fmt.Errorf("remote retrieve: %w", remote)
	}
	if r.Outcome == nil {
		return nil, errors.New("remote retrieve: empty reply")
	}
	return r.Outcome, nil
}
