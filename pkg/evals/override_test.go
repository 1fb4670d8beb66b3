package evals

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickd/pkg/kvstore"
)

func testOverrideStore(t *testing.T) *OverrideStore {
	t.Helper()
	s, err := NewOverrideStore(kvstore.NewMemoryStore(), nil, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestOverrideStore_GetAbsentIsEmpty(t *testing.T) {
	s := testOverrideStore(t)

	doc, err := s.Get(context.Background(), "conv-1", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestOverrideStore_ApplyMerges(t *testing.T) {
	ctx := context.Background()
	s := testOverrideStore(t)

	doc, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"temperature": 0.2})
	require.NoError(t, err)
	assert.Equal(t, 0.2, doc["temperature"])

	doc, err = s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": "fast"})
	require.NoError(t, err)
	assert.Equal(t, 0.2, doc["temperature"])
	assert.Equal(t, "fast", doc["model"])

	stored, err := s.Get(ctx, "conv-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fast", stored["model"])
}

func TestOverrideStore_NullDeletesKey(t *testing.T) {
	ctx := context.Background()
	s := testOverrideStore(t)

	_, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": "fast"})
	require.NoError(t, err)

	doc, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": nil})
	require.NoError(t, err)
	_, present := doc["model"]
	assert.False(t, present)
}

func TestOverrideStore_LockRefusesOtherWrites(t *testing.T) {
	ctx := context.Background()
	s := testOverrideStore(t)

	_, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": "fast"})
	require.NoError(t, err)

	_, err = s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"lock": true})
	require.NoError(t, err)

	// Non-lock writes are refused while locked.
	_, err = s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": "slow"})
	assert.ErrorIs(t, err, ErrOverrideLocked)

	// Even when the patch carries the lock field alongside other keys.
	_, err = s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"lock": false, "model": "slow"})
	assert.ErrorIs(t, err, ErrOverrideLocked)

	doc, err := s.Get(ctx, "conv-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fast", doc["model"], "refused patches leave the document untouched")
}

func TestOverrideStore_UnlockThenWrite(t *testing.T) {
	ctx := context.Background()
	s := testOverrideStore(t)

	_, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"lock": true})
	require.NoError(t, err)

	// A pure lock-field patch is always allowed; null clears the flag.
	_, err = s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"lock": nil})
	require.NoError(t, err)

	doc, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"model": "slow"})
	require.NoError(t, err)
	assert.Equal(t, "slow", doc["model"])
}

func TestOverrideStore_InvalidLockValueRejected(t *testing.T) {
	s := testOverrideStore(t)

	_, err := s.Apply(context.Background(), "conv-1", "agent-1", map[string]interface{}{"lock": "yes"})
	assert.Error(t, err)
}

func TestOverrideStore_ScopedPerAgent(t *testing.T) {
	ctx := context.Background()
	s := testOverrideStore(t)

	_, err := s.Apply(ctx, "conv-1", "agent-1", map[string]interface{}{"lock": true})
	require.NoError(t, err)

	// The lock on agent-1 does not leak to agent-2.
	_, err = s.Apply(ctx, "conv-1", "agent-2", map[string]interface{}{"model": "fast"})
	assert.NoError(t, err)
}
