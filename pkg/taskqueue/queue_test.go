package taskqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T, queues map[string]int) *Broker {
	t.Helper()
	b := New(Config{Queues: queues, Logger: zerolog.Nop()})
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBroker_RegisterValidation(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})
	noop := func(ctx context.Context, args map[string]interface{}) error { return nil }

	require.NoError(t, b.Register("task:a", "work", noop))

	err := b.Register("task:a", "work", noop)
	assert.Error(t, err, "duplicate task name rejected")

	err = b.Register("task:b", "missing", noop)
	assert.Error(t, err, "unknown queue rejected")
}

func TestBroker_EnqueueUnregisteredTask(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})

	_, err := b.Enqueue(context.Background(), "task:unknown", nil, Options{})
	assert.Error(t, err)
}

func TestBroker_ExecutesTask(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})

	done := make(chan map[string]interface{}, 1)
	require.NoError(t, b.Register("task:echo", "work", func(ctx context.Context, args map[string]interface{}) error {
		done <- args
		return nil
	}))

	id, err := b.Enqueue(context.Background(), "task:echo", map[string]interface{}{"n": 1}, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case args := <-done:
		assert.Equal(t, 1, args["n"])
	case <-time.After(2 * time.Second):
		t.Fatal("task never executed")
	}
}

func TestBroker_PriorityOrder(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})

	var mu sync.Mutex
	var order []int
	started := make(chan struct{})
	gate := make(chan struct{})
	executed := make(chan struct{}, 4)

	require.NoError(t, b.Register("task:ordered", "work", func(ctx context.Context, args map[string]interface{}) error {
		p := args["p"].(int)
		if p == 0 {
			close(started)
			<-gate
		}
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
		executed <- struct{}{}
		return nil
	}))

	// The first task occupies the single worker; the rest queue up behind
	// the gate and must be popped by priority once it opens.
	_, err := b.Enqueue(context.Background(), "task:ordered", map[string]interface{}{"p": 0}, Options{})
	require.NoError(t, err)
	<-started

	for _, p := range []int{1, 5, 3} {
		_, err := b.Enqueue(context.Background(), "task:ordered", map[string]interface{}{"p": p}, Options{Priority: p})
		require.NoError(t, err)
	}
	close(gate)

	for i := 0; i < 4; i++ {
		select {
		case <-executed:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks never drained")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 5, 3, 1}, order)
}

func TestBroker_DelayedTask(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})

	done := make(chan time.Time, 1)
	require.NoError(t, b.Register("task:later", "work", func(ctx context.Context, args map[string]interface{}) error {
		done <- time.Now()
		return nil
	}))

	start := time.Now()
	_, err := b.Enqueue(context.Background(), "task:later", nil, Options{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case ran := <-done:
		assert.GreaterOrEqual(t, ran.Sub(start), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never executed")
	}
}

func TestBroker_CloseDropsPendingDelayedTasks(t *testing.T) {
	b := New(Config{Queues: map[string]int{"work": 1}, Logger: zerolog.Nop()})

	ran := make(chan struct{}, 1)
	require.NoError(t, b.Register("task:later", "work", func(ctx context.Context, args map[string]interface{}) error {
		ran <- struct{}{}
		return nil
	}))

	_, err := b.Enqueue(context.Background(), "task:later", nil, Options{Delay: 30 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// The delay timer was stopped on close; nothing fires afterwards.
	select {
	case <-ran:
		t.Fatal("delayed task executed after close")
	case <-time.After(80 * time.Millisecond):
	}
	assert.Equal(t, 0, b.Depth("work"))
}

func TestBroker_Events(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 1})

	completed := make(chan Event, 1)
	b.On("completed", func(event Event) {
		completed <- event
	})

	require.NoError(t, b.Register("task:evt", "work", func(ctx context.Context, args map[string]interface{}) error {
		return nil
	}))

	id, err := b.Enqueue(context.Background(), "task:evt", nil, Options{})
	require.NoError(t, err)

	select {
	case event := <-completed:
		assert.Equal(t, id, event.TaskID)
		assert.Equal(t, "work", event.Queue)
		assert.NoError(t, event.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("completed event never fired")
	}
}

func TestBroker_StatsAndDepth(t *testing.T) {
	b := testBroker(t, map[string]int{"work": 2, "idle": 1})

	stats := b.Stats()
	require.Contains(t, stats, "work")
	assert.Equal(t, 2, stats["work"]["concurrency"])
	assert.Equal(t, 0, stats["work"]["queued"])
	assert.Equal(t, 0, b.Depth("idle"))
	assert.Equal(t, 0, b.Depth("missing"))
}
