package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickd/internal/config"
	"tickd/pkg/driver"
	"tickd/pkg/kvstore"
	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
	"tickd/pkg/taskqueue"
)

// fakeScheduler records driver interactions.
type fakeScheduler struct {
	agents    []string
	ticks     []string
	acks      []string
	addFailed error
}

func (f *fakeScheduler) ScheduleTick(ctx context.Context, conversationID string) error {
	f.ticks = append(f.ticks, conversationID)
	return nil
}

func (f *fakeScheduler) AddAgent(ctx context.Context, conversationID, agentID string) error {
	if f.addFailed != nil {
		return f.addFailed
	}
	f.agents = append(f.agents, agentID)
	return nil
}

func (f *fakeScheduler) AckLatest(ctx context.Context, conversationID, participant string) error {
	f.acks = append(f.acks, participant)
	return nil
}

type fixture struct {
	store     kvstore.Store
	stacks    *stack.Manager
	broker    *taskqueue.Broker
	scheduler *fakeScheduler
	bridge    *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := kvstore.NewMemoryStore()
	stacks := stack.NewManager(stack.Config{Store: store, Logger: zerolog.Nop()})
	broker := taskqueue.New(taskqueue.Config{
		Queues: map[string]int{config.QueueTicks: 1},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { broker.Close() })

	scheduler := &fakeScheduler{}
	b, err := New(Config{
		Stacks:    stacks,
		Store:     store,
		Broker:    broker,
		Scheduler: scheduler,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{store: store, stacks: stacks, broker: broker, scheduler: scheduler, bridge: b}
}

func (f *fixture) parentWithCall(t *testing.T, callID string) (*stack.Stack, state.Entry) {
	t.Helper()
	ctx := context.Background()

	parent, err := f.stacks.Get(ctx, state.NewStackKey("conv-1", "parent"))
	require.NoError(t, err)
	_, err = parent.Push(ctx, state.NewUserMessage("solve it"))
	require.NoError(t, err)
	call, err := parent.Push(ctx, state.NewAgentCall(callID, "child", "please compute"))
	require.NoError(t, err)
	return parent, call
}

func TestCallHandler_BlocksParentAndSeedsChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent, call := f.parentWithCall(t, "deleg-1")

	effects, err := f.bridge.CallHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "parent",
		Entry:          call,
		Stack:          parent,
	})
	require.NoError(t, err)
	require.Len(t, effects, 3)

	require.Equal(t, state.EffectPush, effects[0].Type)
	assert.Equal(t, parent.Key(), effects[0].Push.Target)
	assert.Equal(t, state.KindWaiting, effects[0].Push.State.Kind)
	assert.Equal(t, state.WaitAgent, effects[0].Push.State.WaitKind)
	assert.Equal(t, "deleg-1", effects[0].Push.State.CorrelationID)

	require.Equal(t, state.EffectPush, effects[1].Type)
	assert.Equal(t, state.NewStackKey("conv-1", "child"), effects[1].Push.Target)
	assert.Equal(t, state.KindUserMessage, effects[1].Push.State.Kind)
	assert.Equal(t, "please compute", effects[1].Push.State.Text)

	// The child is driven mid-tick through the step task.
	require.Equal(t, state.EffectEnqueue, effects[2].Type)
	assert.Equal(t, driver.TaskStep, effects[2].Enqueue.Task)
	assert.Equal(t, "child", effects[2].Enqueue.Args["agent_id"])
	assert.Equal(t, "conv-1", effects[2].Enqueue.Args["conversation_id"])

	assert.Equal(t, []string{"child"}, f.scheduler.agents)

	// The delegation record is persisted for the child's finish.
	_, ok, err := f.store.Get(ctx, delegationKey("conv-1", "child"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCallHandler_StripsSeedMarkerFromMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	parent, err := f.stacks.Get(ctx, state.NewStackKey("conv-1", "parent"))
	require.NoError(t, err)
	_, err = parent.Push(ctx, state.NewUserMessage("go"))
	require.NoError(t, err)
	call, err := parent.Push(ctx, state.NewAgentCall("deleg-1", "child", state.SeedMarker+" please compute"))
	require.NoError(t, err)

	effects, err := f.bridge.CallHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "parent",
		Entry:          call,
		Stack:          parent,
	})
	require.NoError(t, err)
	require.Len(t, effects, 3)
	assert.Equal(t, "please compute", effects[1].Push.State.Text)
}

func TestCallHandler_RejectsIncompleteCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	parent, err := f.stacks.Get(ctx, state.NewStackKey("conv-1", "parent"))
	require.NoError(t, err)
	_, err = parent.Push(ctx, state.NewUserMessage("go"))
	require.NoError(t, err)
	call, err := parent.Push(ctx, state.NewAgentCall("deleg-1", "", "no target"))
	require.NoError(t, err)

	_, err = f.bridge.CallHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "parent",
		Entry:          call,
		Stack:          parent,
	})
	assert.Error(t, err)
}

func TestFinishedHandler_NonDelegateProducesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stk, err := f.stacks.Get(ctx, state.NewStackKey("conv-1", "solo"))
	require.NoError(t, err)
	_, err = stk.Push(ctx, state.NewUserMessage("go"))
	require.NoError(t, err)
	finished, err := stk.Push(ctx, state.NewFinished("done"))
	require.NoError(t, err)

	effects, err := f.bridge.FinishedHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "solo",
		Entry:          finished,
		Stack:          stk,
	})
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestBridge_DelegationRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent, call := f.parentWithCall(t, "deleg-1")

	// Parent step: block on the child and seed its stack.
	effects, err := f.bridge.CallHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "parent",
		Entry:          call,
		Stack:          parent,
	})
	require.NoError(t, err)

	for _, effect := range effects {
		if effect.Type != state.EffectPush {
			continue
		}
		target, err := f.stacks.Get(ctx, effect.Push.Target)
		require.NoError(t, err)
		_, err = target.Push(ctx, effect.Push.State)
		require.NoError(t, err)
	}

	// Child finishes with its answer.
	child, err := f.stacks.Get(ctx, state.NewStackKey("conv-1", "child"))
	require.NoError(t, err)
	finished, err := child.Push(ctx, state.NewFinished("the answer is 42"))
	require.NoError(t, err)

	effects, err = f.bridge.FinishedHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "child",
		Entry:          finished,
		Stack:          child,
	})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	require.Equal(t, state.EffectEnqueue, effects[0].Type)
	assert.Equal(t, TaskResolve, effects[0].Enqueue.Task)
	assert.Equal(t, "the answer is 42", effects[0].Enqueue.Args["answer"])

	// Resolution splices the answer back into the parent.
	require.NoError(t, f.bridge.Resolve(ctx, "conv-1", "parent", "child", "deleg-1", "the answer is 42"))

	entries := parent.Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, state.KindToolResult, entries[3].State.Kind)
	assert.Equal(t, state.KindAgentResult, entries[4].State.Kind)
	assert.Equal(t, "the answer is 42", entries[4].State.Text)
	assert.Equal(t, "deleg-1", entries[4].State.CorrelationID)

	assert.Equal(t, []string{"parent"}, f.scheduler.acks)
	assert.Equal(t, []string{"conv-1"}, f.scheduler.ticks)

	// The settled delegation record is gone, so the child's Finished top no
	// longer produces resolution tasks on later ticks.
	_, ok, err := f.store.Get(ctx, delegationKey("conv-1", "child"))
	require.NoError(t, err)
	assert.False(t, ok)

	effects, err = f.bridge.FinishedHandler()(ctx, step.Request{
		ConversationID: "conv-1",
		AgentID:        "child",
		Entry:          finished,
		Stack:          child,
	})
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestBridge_DelegationResolvesUnderDriver(t *testing.T) {
	ctx := context.Background()

	store := kvstore.NewMemoryStore()
	stacks := stack.NewManager(stack.Config{Store: store, Logger: zerolog.Nop()})
	broker := taskqueue.New(taskqueue.Config{
		Queues: map[string]int{config.QueueTicks: 1},
		Logger: zerolog.Nop(),
	})
	defer broker.Close()

	registry := step.NewRegistry()
	stepper := step.NewStepper(registry, nil, zerolog.Nop())

	drv, err := driver.New(driver.Config{
		InstanceID: "test-instance",
		Store:      store,
		Stacks:     stacks,
		Stepper:    stepper,
		Broker:     broker,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	b, err := New(Config{
		Stacks:    stacks,
		Store:     store,
		Broker:    broker,
		Scheduler: drv,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, registry.Register(state.KindAgentCall, b.CallHandler()))
	require.NoError(t, registry.Register(state.KindFinished, b.FinishedHandler()))
	require.NoError(t, registry.Register(state.KindWaiting, driver.NoopHandler()))

	// The child answers any request in a single step.
	require.NoError(t, registry.Register(state.KindUserMessage, func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		return []state.Effect{
			state.NewPushEffect(req.Stack.Key(), state.NewFinished("the answer is 42")),
		}, nil
	}))

	require.NoError(t, drv.AddAgent(ctx, "conv-1", "parent"))
	parent, err := stacks.Get(ctx, state.NewStackKey("conv-1", "parent"))
	require.NoError(t, err)
	_, err = parent.Push(ctx, state.NewUserMessage("solve it"))
	require.NoError(t, err)
	_, err = parent.Push(ctx, state.NewAgentCall("deleg-1", "child", "please compute"))
	require.NoError(t, err)

	require.NoError(t, drv.ScheduleTick(ctx, "conv-1"))

	// The whole round trip settles within the tick the parent blocked in:
	// child seeded and stepped mid-tick, answer spliced back, parent acked.
	require.Eventually(t, func() bool {
		top, ok := parent.Current()
		return ok && top.State.Kind == state.KindAgentResult
	}, 2*time.Second, 10*time.Millisecond, "parent never received the child's answer")

	top, ok := parent.Current()
	require.True(t, ok)
	assert.Equal(t, "the answer is 42", top.State.Text)
	assert.Equal(t, "deleg-1", top.State.CorrelationID)

	entries := parent.Entries()
	require.GreaterOrEqual(t, len(entries), 5)
	assert.Equal(t, state.KindToolResult, entries[len(entries)-2].State.Kind)
}

func TestBridge_ResolveRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent, _ := f.parentWithCall(t, "deleg-1")
	_, err := parent.Push(ctx, state.NewWaiting("deleg-1", state.WaitAgent))
	require.NoError(t, err)

	require.NoError(t, f.bridge.Resolve(ctx, "conv-1", "parent", "child", "deleg-1", "answer"))
	lenAfterFirst := parent.Len()

	require.NoError(t, f.bridge.Resolve(ctx, "conv-1", "parent", "child", "deleg-1", "answer"))
	assert.Equal(t, lenAfterFirst, parent.Len(), "redelivery must not splice twice")
	assert.Len(t, f.scheduler.ticks, 1, "redelivery must not schedule another tick")
}

func TestBridge_ResolveUnknownCorrelationFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent, _ := f.parentWithCall(t, "deleg-1")
	_, err := parent.Push(ctx, state.NewWaiting("deleg-1", state.WaitAgent))
	require.NoError(t, err)

	err = f.bridge.Resolve(ctx, "conv-1", "parent", "child", "never-issued", "answer")
	assert.ErrorIs(t, err, ErrCorrelationMismatch)
}
