package evals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"tickd/internal/metrics"
	"tickd/pkg/kvstore"
)

// ErrOverrideLocked rejects a non-lock-field patch while the document's lock
// flag is set. Callers treat it as a refused write, not a crash.
var ErrOverrideLocked = errors.New("override document is locked")

// lockField is the reserved patch field guarding the document.
const lockField = "lock"

// overrideTTL is the fixed expiry override documents are written with.
const overrideTTL = 24 * time.Hour

// overrideSchema constrains patch documents: an object whose lock field, if
// present, is boolean or null.
const overrideSchema = `{
	"type": "object",
	"properties": {
		"lock": {"type": ["boolean", "null"]}
	}
}`

// OverrideStore manages per-(conversation, agent) override patch documents
// with read-modify-write merge semantics: a present-but-null field deletes
// the key, and non-lock writes are refused while the lock flag is held.
type OverrideStore struct {
	store   kvstore.Store
	schema  *gojsonschema.Schema
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewOverrideStore creates an override store.
func NewOverrideStore(store kvstore.Store, m *metrics.Metrics, logger zerolog.Logger) (*OverrideStore, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(overrideSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile override schema: %w", err)
	}
	return &OverrideStore{store: store, schema: schema, metrics: m, logger: logger}, nil
}

// Get returns the current override document, empty when none exists.
func (s *OverrideStore) Get(ctx context.Context, conversationID, agentID string) (map[string]interface{}, error) {
	raw, ok, err := s.store.Get(ctx, overrideKey(conversationID, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read override document: %w", err)
	}
	if !ok {
		return map[string]interface{}{}, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode override document: %w", err)
	}
	return doc, nil
}

// Apply merges a patch into the override document and writes it back with
// the fixed expiry. Returns ErrOverrideLocked when the lock flag is set and
// the patch touches anything beyond the lock field. A null patch value
// deletes its key.
func (s *OverrideStore) Apply(ctx context.Context, conversationID, agentID string, patch map[string]interface{}) (map[string]interface{}, error) {
	if err := s.validate(patch); err != nil {
		s.countWrite("invalid")
		return nil, err
	}

	doc, err := s.Get(ctx, conversationID, agentID)
	if err != nil {
		return nil, err
	}

	if locked(doc) && touchesNonLockField(patch) {
		s.countWrite("rejected")
		s.logger.Warn().
			Str("conversation", conversationID).
			Str("agent", agentID).
			Msg("Rejected override patch while locked")
		return nil, fmt.Errorf("override %s/%s: %w", conversationID, agentID, ErrOverrideLocked)
	}

	for key, value := range patch {
		if value == nil {
			delete(doc, key)
		} else {
			doc[key] = value
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode override document: %w", err)
	}
	if err := s.store.Set(ctx, overrideKey(conversationID, agentID), string(raw), overrideTTL); err != nil {
		return nil, fmt.Errorf("failed to write override document: %w", err)
	}

	s.countWrite("ok")
	return doc, nil
}

func (s *OverrideStore) validate(patch map[string]interface{}) error {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(patch))
	if err != nil {
		return fmt.Errorf("failed to validate override patch: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("invalid override patch: %s", result.Errors()[0])
	}
	return nil
}

func (s *OverrideStore) countWrite(status string) {
	if s.metrics != nil {
		s.metrics.OverrideWritesTotal.WithLabelValues(status).Inc()
	}
}

func locked(doc map[string]interface{}) bool {
	v, ok := doc[lockField]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func touchesNonLockField(patch map[string]interface{}) bool {
	for key := range patch {
		if key != lockField {
			return true
		}
	}
	return false
}

func overrideKey(conversationID, agentID string) string {
	return fmt.Sprintf("override:%s:%s", conversationID, agentID)
}
