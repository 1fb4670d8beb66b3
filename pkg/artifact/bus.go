// Package artifact consumes evaluation artifacts and scores conversation
// branches from them.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"

	"tickd/pkg/kvstore"
)

// Header carries the score fields branch scoring consumes.
type Header struct {
	SessionID string             `json:"session_id"`
	BranchID  string             `json:"branch_id,omitempty"`
	Evaluator string             `json:"evaluator,omitempty"`
	CreatedAt int64              `json:"created_at"`
	Score     *float64           `json:"score,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// Evaluation is one artifact: a header plus an opaque payload.
type Evaluation struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus is the narrow artifact surface the scorer consumes. Production
// deployments back it with the external artifact service.
type Bus interface {
	// EvaluationsFor returns the evaluations recorded for a session,
	// optionally filtered by branch (empty branchID means all branches).
	EvaluationsFor(ctx context.Context, sessionID, branchID string) ([]Evaluation, error)

	// Publish appends an evaluation to the session's log.
	Publish(ctx context.Context, eval Evaluation) error
}

// StoreBus is a Bus backed by the shared store's append-only lists. Used by
// tests and single-binary deployments.
type StoreBus struct {
	store kvstore.Store
}

// NewStoreBus creates a store-backed artifact bus.
func NewStoreBus(store kvstore.Store) *StoreBus {
	return &StoreBus{store: store}
}

// Publish appends an evaluation to the session's artifact log.
func (b *StoreBus) Publish(ctx context.Context, eval Evaluation) error {
	raw, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation: %w", err)
	}
	if err := b.store.ListAppend(ctx, artifactKey(eval.Header.SessionID), string(raw)); err != nil {
		return fmt.Errorf("failed to publish evaluation: %w", err)
	}
	return nil
}

// EvaluationsFor returns the evaluations recorded for a session.
func (b *StoreBus) EvaluationsFor(ctx context.Context, sessionID, branchID string) ([]Evaluation, error) {
	raws, err := b.store.ListRange(ctx, artifactKey(sessionID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read evaluations: %w", err)
	}

	evals := []Evaluation{}
	for _, raw := range raws {
		var eval Evaluation
		if err := json.Unmarshal([]byte(raw), &eval); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		if branchID != "" && eval.Header.BranchID != branchID {
			continue
		}
		evals = append(evals, eval)
	}
	return evals, nil
}

func artifactKey(sessionID string) string {
	return "artifacts:" + sessionID
}
