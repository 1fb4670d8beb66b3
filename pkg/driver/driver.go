// Package driver implements the tick-synchronized session loop: it polls
// conversations with pending work, runs one agent step per participant,
// applies the resulting effects, and tracks completion through a
// waiting-set-with-timeout protocol persisted in the shared store.
//
// Many driver instances may run concurrently; a per-conversation lease
// (atomic set-if-absent with TTL) linearizes tick advancement without a
// global lock. All tick state lives in the store, so a fresh process resumes
// in-flight ticks instead of losing them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tickd/internal/config"
	"tickd/internal/metrics"
	"tickd/pkg/evals"
	"tickd/pkg/kvstore"
	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
	"tickd/pkg/taskqueue"
)

// TaskTick is the task name under which tick advancement is enqueued.
const TaskTick = "ticks:advance"

// TaskStep is the task name under which mid-tick single-agent advancement is
// enqueued. Delegation children seeded while a tick is in flight are driven
// through it.
const TaskStep = "ticks:step"

// DefaultTickTimeout force-expires a waiting set that has not emptied.
const DefaultTickTimeout = 45 * time.Second

const defaultLeaseTTL = 30 * time.Second

// Config holds driver construction options.
type Config struct {
	InstanceID   string
	PollInterval time.Duration
	TickTimeout  time.Duration
	LeaseTTL     time.Duration

	Store     kvstore.Store
	Stacks    *stack.Manager
	Stepper   *step.Stepper
	Broker    *taskqueue.Broker
	Overrides *evals.OverrideStore
	Metrics   *metrics.Metrics
	Sink      metrics.Sink
	Logger    zerolog.Logger
}

// Driver is one session-driver instance.
type Driver struct {
	cfg    Config
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a driver and registers its tick task on the broker.
func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil || cfg.Stacks == nil || cfg.Stepper == nil || cfg.Broker == nil {
		return nil, errors.New("driver requires store, stacks, stepper, and broker")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.NopSink{}
	}

	d := &Driver{cfg: cfg}

	if err := cfg.Broker.Register(TaskTick, config.QueueTicks, d.handleTickTask); err != nil {
		return nil, fmt.Errorf("failed to register tick task: %w", err)
	}
	if err := cfg.Broker.Register(TaskStep, config.QueueTicks, d.handleStepTask); err != nil {
		return nil, fmt.Errorf("failed to register step task: %w", err)
	}

	return d, nil
}

// Start launches the poll loop and maintenance schedule. It returns
// immediately; use Stop for shutdown.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return errors.New("driver already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.pollLoop(ctx)

	// Maintenance: force-expire overdue ticks and drop expired store keys.
	d.cron = cron.New()
	if _, err := d.cron.AddFunc("@every 5s", func() { d.sweepTimeouts(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 1m", func() {
		if _, err := d.cfg.Store.Sweep(ctx); err != nil {
			d.cfg.Logger.Warn().Err(err).Msg("Store sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule store sweep: %w", err)
	}
	d.cron.Start()

	d.cfg.Logger.Info().
		Str("instance", d.cfg.InstanceID).
		Dur("pollInterval", d.cfg.PollInterval).
		Dur("tickTimeout", d.cfg.TickTimeout).
		Msg("Session driver started")

	return nil
}

// Stop signals the loop to exit and waits for it.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	cronRunner := d.cron
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	cancel()
	d.wg.Wait()
	d.cfg.Logger.Info().Str("instance", d.cfg.InstanceID).Msg("Session driver stopped")
}

// pollLoop scans pending conversations on a fixed interval. A single
// iteration's failure is logged and retried on the next poll; the loop only
// exits on the stop signal.
func (d *Driver) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.cfg.Logger.Warn().Err(err).Msg("Poll iteration failed")
			}
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context) error {
	conversations, err := d.cfg.Store.SetMembers(ctx, pendingKey)
	if err != nil {
		return fmt.Errorf("failed to list pending conversations: %w", err)
	}

	for _, conversationID := range conversations {
		if err := d.resolveConversation(ctx, conversationID); err != nil {
			d.cfg.Logger.Error().
				Err(err).
				Str("conversation", conversationID).
				Msg("Failed to resolve conversation")
		}
	}
	return nil
}

// handleTickTask is the broker handler behind TaskTick.
func (d *Driver) handleTickTask(ctx context.Context, args map[string]interface{}) error {
	conversationID, _ := args["conversation_id"].(string)
	if conversationID == "" {
		return errors.New("tick task missing conversation_id")
	}
	return d.resolveConversation(ctx, conversationID)
}

// handleStepTask is the broker handler behind TaskStep.
func (d *Driver) handleStepTask(ctx context.Context, args map[string]interface{}) error {
	conversationID, _ := args["conversation_id"].(string)
	agentID, _ := args["agent_id"].(string)
	if conversationID == "" || agentID == "" {
		return errors.New("step task missing conversation_id or agent_id")
	}
	return d.stepAgent(ctx, conversationID, agentID)
}

// AddAgent registers an agent as a participant of a conversation.
func (d *Driver) AddAgent(ctx context.Context, conversationID, agentID string) error {
	return d.cfg.Store.SetAdd(ctx, agentsKey(conversationID), agentID)
}

// SubmitUserMessage pushes a user message onto an agent's stack and marks
// the conversation pending. This is the external trigger surface.
func (d *Driver) SubmitUserMessage(ctx context.Context, conversationID, agentID, text string) error {
	if err := d.AddAgent(ctx, conversationID, agentID); err != nil {
		return err
	}

	stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, agentID))
	if err != nil {
		return err
	}
	if _, err := stk.Push(ctx, state.NewUserMessage(text)); err != nil {
		if errors.Is(err, stack.ErrDuplicateEntry) {
			return nil
		}
		return err
	}

	return d.ScheduleTick(ctx, conversationID)
}

// ScheduleTick marks the conversation pending and enqueues a tick task.
func (d *Driver) ScheduleTick(ctx context.Context, conversationID string) error {
	if err := d.cfg.Store.SetAdd(ctx, pendingKey, conversationID); err != nil {
		return fmt.Errorf("failed to mark conversation pending: %w", err)
	}
	if _, err := d.cfg.Broker.Enqueue(ctx, TaskTick, map[string]interface{}{
		"conversation_id": conversationID,
	}, taskqueue.Options{}); err != nil {
		return fmt.Errorf("failed to enqueue tick: %w", err)
	}
	return nil
}

// currentTick reads the conversation's tick counter.
func (d *Driver) currentTick(ctx context.Context, conversationID string) (int, error) {
	raw, ok, err := d.cfg.Store.Get(ctx, tickSeqKey(conversationID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	tick, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt tick counter for %s: %w", conversationID, err)
	}
	return tick, nil
}

func (d *Driver) setTick(ctx context.Context, conversationID string, tick int) error {
	return d.cfg.Store.Set(ctx, tickSeqKey(conversationID), strconv.Itoa(tick), 0)
}

// claimLease takes or refreshes the per-conversation ownership lease.
// Returns false when another instance holds it.
func (d *Driver) claimLease(ctx context.Context, conversationID string) (bool, error) {
	key := leaseKey(conversationID)

	ok, err := d.cfg.Store.SetNX(ctx, key, d.cfg.InstanceID, d.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to claim lease: %w", err)
	}
	if ok {
		return true, nil
	}

	owner, found, err := d.cfg.Store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if found && owner == d.cfg.InstanceID {
		// Refresh our own lease.
		if err := d.cfg.Store.Set(ctx, key, d.cfg.InstanceID, d.cfg.LeaseTTL); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
