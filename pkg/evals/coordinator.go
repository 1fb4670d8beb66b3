// Package evals gates evaluation requests behind a short-TTL dedup key and
// manages per-agent override patch documents. The dedup window collapses
// bursts of identical requests under at-least-once delivery; it is a
// best-effort collapse, not an exactly-once guarantee.
package evals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tickd/internal/metrics"
	"tickd/pkg/kvstore"
	"tickd/pkg/taskqueue"
)

// TaskEvaluate is the task name evaluation requests are enqueued under.
const TaskEvaluate = "evals:run"

// DefaultDedupTTL is the dedup collapse window.
const DefaultDedupTTL = 5 * time.Second

// Request is one evaluation request.
type Request struct {
	EvaluatorID      string                 `json:"evaluator_id"`
	EvaluatorVersion string                 `json:"evaluator_version"`
	ConversationID   string                 `json:"conversation_id"`
	BranchID         string                 `json:"branch_id,omitempty"`
	Payload          map[string]interface{} `json:"payload"`
	Priority         int                    `json:"-"`
}

// Coordinator enqueues evaluation requests at most once per dedup window.
type Coordinator struct {
	store   kvstore.Store
	broker  *taskqueue.Broker
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Config holds coordinator construction options.
type Config struct {
	Store    kvstore.Store
	Broker   *taskqueue.Broker
	DedupTTL time.Duration
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// NewCoordinator creates an evaluation coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	return &Coordinator{
		store:   cfg.Store,
		broker:  cfg.Broker,
		ttl:     cfg.DedupTTL,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Submit enqueues the request unless an identical one was enqueued within
// the dedup window. Returns true if the request was actually enqueued.
func (c *Coordinator) Submit(ctx context.Context, req Request) (bool, error) {
	fp, err := Fingerprint(req)
	if err != nil {
		return false, err
	}

	ok, err := c.store.SetNX(ctx, "dedup:eval:"+fp, "1", c.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	if !ok {
		if c.metrics != nil {
			c.metrics.DedupHitsTotal.WithLabelValues("eval").Inc()
		}
		c.logger.Debug().
			Str("evaluator", req.EvaluatorID).
			Str("fingerprint", fp).
			Msg("Duplicate evaluation request collapsed")
		return false, nil
	}

	_, err = c.broker.Enqueue(ctx, TaskEvaluate, map[string]interface{}{
		"evaluator_id":      req.EvaluatorID,
		"evaluator_version": req.EvaluatorVersion,
		"conversation_id":   req.ConversationID,
		"branch_id":         req.BranchID,
		"payload":           req.Payload,
	}, taskqueue.Options{Priority: req.Priority})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue evaluation: %w", err)
	}
	return true, nil
}

// Fingerprint derives the dedup fingerprint over the semantically relevant
// fields of a request.
func Fingerprint(req Request) (string, error) {
	payload, err := json.Marshal(struct {
		ID      string                 `json:"id"`
		Version string                 `json:"version"`
		Payload map[string]interface{} `json:"payload"`
	}{req.EvaluatorID, req.EvaluatorVersion, req.Payload})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint request: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
