package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickd/pkg/kvstore"
)

func publishScore(t *testing.T, bus Bus, sessionID, branchID string, score float64, metrics map[string]float64) {
	t.Helper()
	s := score
	require.NoError(t, bus.Publish(context.Background(), Evaluation{
		Header: Header{
			SessionID: sessionID,
			BranchID:  branchID,
			Evaluator: "quality",
			Score:     &s,
			Metrics:   metrics,
		},
	}))
}

func TestStoreBus_PublishAndFilter(t *testing.T) {
	ctx := context.Background()
	bus := NewStoreBus(kvstore.NewMemoryStore())

	publishScore(t, bus, "sess-1", "main", 0.5, nil)
	publishScore(t, bus, "sess-1", "alt", 0.9, nil)
	publishScore(t, bus, "sess-2", "main", 0.1, nil)

	all, err := bus.EvaluationsFor(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alt, err := bus.EvaluationsFor(ctx, "sess-1", "alt")
	require.NoError(t, err)
	require.Len(t, alt, 1)
	assert.Equal(t, "alt", alt[0].Header.BranchID)

	none, err := bus.EvaluationsFor(ctx, "sess-absent", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestScoreBranch_Mean(t *testing.T) {
	ctx := context.Background()
	bus := NewStoreBus(kvstore.NewMemoryStore())

	publishScore(t, bus, "sess-1", "main", 0.4, nil)
	publishScore(t, bus, "sess-1", "main", 0.8, nil)

	// An unscored evaluation is skipped, not counted as zero.
	require.NoError(t, bus.Publish(ctx, Evaluation{
		Header: Header{SessionID: "sess-1", BranchID: "main"},
	}))

	score, err := ScoreBranch(ctx, bus, "sess-1", "main", "")
	require.NoError(t, err)
	assert.Equal(t, 2, score.Count)
	assert.InDelta(t, 0.6, score.Score, 1e-9)
}

func TestScoreBranch_NamedMetric(t *testing.T) {
	ctx := context.Background()
	bus := NewStoreBus(kvstore.NewMemoryStore())

	publishScore(t, bus, "sess-1", "main", 0.9, map[string]float64{"latency": 120})
	publishScore(t, bus, "sess-1", "main", 0.1, map[string]float64{"latency": 80})
	publishScore(t, bus, "sess-1", "main", 0.5, nil) // no latency metric, skipped

	score, err := ScoreBranch(ctx, bus, "sess-1", "main", "latency")
	require.NoError(t, err)
	assert.Equal(t, 2, score.Count)
	assert.InDelta(t, 100, score.Score, 1e-9)
}

func TestBestBranch(t *testing.T) {
	ctx := context.Background()
	bus := NewStoreBus(kvstore.NewMemoryStore())

	publishScore(t, bus, "sess-1", "main", 0.4, nil)
	publishScore(t, bus, "sess-1", "alt", 0.7, nil)
	publishScore(t, bus, "sess-1", "alt", 0.9, nil)

	best, err := BestBranch(ctx, bus, "sess-1", []string{"main", "alt", "empty"}, "")
	require.NoError(t, err)
	assert.Equal(t, "alt", best.BranchID)
	assert.InDelta(t, 0.8, best.Score, 1e-9)
}

func TestBestBranch_NoEvaluations(t *testing.T) {
	ctx := context.Background()
	bus := NewStoreBus(kvstore.NewMemoryStore())

	_, err := BestBranch(ctx, bus, "sess-1", []string{"main"}, "")
	assert.ErrorIs(t, err, ErrNoEvaluations)
}
