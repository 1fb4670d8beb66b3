package evals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickd/pkg/kvstore"
	"tickd/pkg/taskqueue"
)

func testCoordinator(t *testing.T, ttl time.Duration) (*Coordinator, chan map[string]interface{}) {
	t.Helper()

	broker := taskqueue.New(taskqueue.Config{
		Queues: map[string]int{"evals": 1},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { broker.Close() })

	delivered := make(chan map[string]interface{}, 8)
	require.NoError(t, broker.Register(TaskEvaluate, "evals", func(ctx context.Context, args map[string]interface{}) error {
		delivered <- args
		return nil
	}))

	coord := NewCoordinator(Config{
		Store:    kvstore.NewMemoryStore(),
		Broker:   broker,
		DedupTTL: ttl,
		Logger:   zerolog.Nop(),
	})
	return coord, delivered
}

func TestCoordinator_SubmitEnqueues(t *testing.T) {
	coord, delivered := testCoordinator(t, time.Second)

	enqueued, err := coord.Submit(context.Background(), Request{
		EvaluatorID:      "quality",
		EvaluatorVersion: "v1",
		ConversationID:   "conv-1",
		Payload:          map[string]interface{}{"answer": "42"},
	})
	require.NoError(t, err)
	assert.True(t, enqueued)

	select {
	case args := <-delivered:
		assert.Equal(t, "quality", args["evaluator_id"])
		assert.Equal(t, "conv-1", args["conversation_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never delivered")
	}
}

func TestCoordinator_DuplicateCollapsedWithinWindow(t *testing.T) {
	coord, delivered := testCoordinator(t, time.Second)
	req := Request{
		EvaluatorID:      "quality",
		EvaluatorVersion: "v1",
		Payload:          map[string]interface{}{"answer": "42"},
	}

	enqueued, err := coord.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, enqueued)

	enqueued, err = coord.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, enqueued, "identical request inside the window is collapsed")

	<-delivered
	select {
	case <-delivered:
		t.Fatal("duplicate was enqueued")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinator_WindowExpires(t *testing.T) {
	coord, _ := testCoordinator(t, 40*time.Millisecond)
	req := Request{EvaluatorID: "quality", EvaluatorVersion: "v1"}

	enqueued, err := coord.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, enqueued)

	time.Sleep(60 * time.Millisecond)

	enqueued, err = coord.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, enqueued, "window expired, resubmission goes through")
}

func TestCoordinator_DistinctRequestsNotCollapsed(t *testing.T) {
	coord, _ := testCoordinator(t, time.Second)

	enqueued, err := coord.Submit(context.Background(), Request{EvaluatorID: "quality", EvaluatorVersion: "v1"})
	require.NoError(t, err)
	assert.True(t, enqueued)

	// A version bump changes the fingerprint.
	enqueued, err = coord.Submit(context.Background(), Request{EvaluatorID: "quality", EvaluatorVersion: "v2"})
	require.NoError(t, err)
	assert.True(t, enqueued)

	// So does a payload change.
	enqueued, err = coord.Submit(context.Background(), Request{
		EvaluatorID:      "quality",
		EvaluatorVersion: "v1",
		Payload:          map[string]interface{}{"answer": "different"},
	})
	require.NoError(t, err)
	assert.True(t, enqueued)
}

func TestFingerprint_Stable(t *testing.T) {
	req := Request{
		EvaluatorID:      "quality",
		EvaluatorVersion: "v1",
		Payload:          map[string]interface{}{"a": 1.0, "b": "x"},
	}

	first, err := Fingerprint(req)
	require.NoError(t, err)
	second, err := Fingerprint(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Conversation id is delivery routing, not identity.
	req.ConversationID = "conv-9"
	third, err := Fingerprint(req)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}
