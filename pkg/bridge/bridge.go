// Package bridge implements cross-stack delegation: one agent's stack waits
// on another agent's stack, and the child's answer is spliced back into the
// caller when the child terminates.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tickd/internal/config"
	"tickd/internal/metrics"
	"tickd/pkg/driver"
	"tickd/pkg/kvstore"
	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
	"tickd/pkg/taskqueue"
)

// TaskResolve is the task name bridge resolutions are enqueued under.
const TaskResolve = "bridge:resolve"

// ErrCorrelationMismatch is a fatal consistency error: a resolution arrived
// for a correlation id with no Waiting entry and no prior resolution.
var ErrCorrelationMismatch = errors.New("no waiting entry matches correlation id")

// Scheduler is the narrow driver surface the bridge depends on.
type Scheduler interface {
	ScheduleTick(ctx context.Context, conversationID string) error
	AddAgent(ctx context.Context, conversationID, agentID string) error
	AckLatest(ctx context.Context, conversationID, participant string) error
}

// delegation is the persisted record linking a child agent back to its
// caller.
type delegation struct {
	ParentAgent string `json:"parent_agent"`
	CallID      string `json:"call_id"`
}

// Config holds bridge construction options.
type Config struct {
	Stacks    *stack.Manager
	Store     kvstore.Store
	Broker    *taskqueue.Broker
	Scheduler Scheduler
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Bridge wires delegation calls and resolutions between stacks.
type Bridge struct {
	cfg Config
}

// New creates a bridge and registers its resolution task on the broker.
func New(cfg Config) (*Bridge, error) {
	b := &Bridge{cfg: cfg}
	if err := cfg.Broker.Register(TaskResolve, config.QueueTicks, b.handleResolveTask); err != nil {
		return nil, fmt.Errorf("failed to register bridge task: %w", err)
	}
	return b, nil
}

// CallHandler returns the step handler for AgentCall states. It blocks the
// caller on the call's correlation id, seeds the child's stack with the
// request message (seed markers stripped), and dispatches a mid-tick step
// task so the child starts working while the caller's tick waits.
func (b *Bridge) CallHandler() step.Handler {
	return func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		call := req.Entry.State
		if call.CorrelationID == "" || call.TargetAgent == "" {
			return nil, fmt.Errorf("agent call without correlation id or target on %s", req.Stack.Key())
		}

		if err := b.cfg.Scheduler.AddAgent(ctx, req.ConversationID, call.TargetAgent); err != nil {
			return nil, err
		}

		record, err := json.Marshal(delegation{ParentAgent: req.AgentID, CallID: call.CorrelationID})
		if err != nil {
			return nil, fmt.Errorf("failed to encode delegation record: %w", err)
		}
		if err := b.cfg.Store.Set(ctx, delegationKey(req.ConversationID, call.TargetAgent), string(record), 0); err != nil {
			return nil, fmt.Errorf("failed to persist delegation record: %w", err)
		}

		childKey := state.NewStackKey(req.ConversationID, call.TargetAgent)
		return []state.Effect{
			state.NewPushEffect(req.Stack.Key(), state.NewWaiting(call.CorrelationID, state.WaitAgent)),
			state.NewPushEffect(childKey, state.NewUserMessage(state.StripSeed(call.Text))),
			state.NewEnqueueEffect(driver.TaskStep, config.QueueTicks, map[string]interface{}{
				"conversation_id": req.ConversationID,
				"agent_id":        call.TargetAgent,
			}, 0, 0),
		}, nil
	}
}

// FinishedHandler returns the step handler for Finished states. When the
// finishing agent is a delegation child, the answer is dispatched back to
// the caller through the resolution task.
func (b *Bridge) FinishedHandler() step.Handler {
	return func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		raw, ok, err := b.cfg.Store.Get(ctx, delegationKey(req.ConversationID, req.AgentID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		var record delegation
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("corrupt delegation record: %w", err)
		}

		return []state.Effect{
			state.NewEnqueueEffect(TaskResolve, config.QueueTicks, map[string]interface{}{
				"conversation_id": req.ConversationID,
				"parent_agent":    record.ParentAgent,
				"child_agent":     req.AgentID,
				"call_id":         record.CallID,
				"answer":          req.Entry.State.Text,
			}, 0, 0),
		}, nil
	}
}

// Resolve splices a child's answer back into the parent stack: a ToolResult
// then an AgentResult under the original call's correlation id, followed by
// a tick so the parent resumes. Re-delivery after a successful resolution is
// a no-op; a correlation id that was never waited on is fatal.
func (b *Bridge) Resolve(ctx context.Context, conversationID, parentAgent, childAgent, callID, answer string) error {
	parent, err := b.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, parentAgent))
	if err != nil {
		return err
	}

	waited, resolved := scanCorrelation(parent, callID)
	if resolved {
		b.cfg.Logger.Debug().
			Str("conversation", conversationID).
			Str("callId", callID).
			Msg("Delegation already resolved, skipping")
		return nil
	}
	if !waited {
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.FatalErrors.Inc()
		}
		return fmt.Errorf("conversation %s call %s: %w", conversationID, callID, ErrCorrelationMismatch)
	}

	if _, err := parent.Push(ctx, state.NewToolResult(callID, answer)); err != nil && !errors.Is(err, stack.ErrDuplicateEntry) {
		return err
	}
	if _, err := parent.Push(ctx, state.NewAgentResult(callID, answer)); err != nil && !errors.Is(err, stack.ErrDuplicateEntry) {
		return err
	}

	// The delegation is settled; drop the record so the child's Finished
	// top stops producing resolution tasks on later ticks.
	if err := b.cfg.Store.Delete(ctx, delegationKey(conversationID, childAgent)); err != nil {
		return err
	}

	b.cfg.Logger.Info().
		Str("conversation", conversationID).
		Str("parent", parentAgent).
		Str("child", childAgent).
		Str("callId", callID).
		Msg("Delegation resolved")

	if err := b.cfg.Scheduler.AckLatest(ctx, conversationID, parentAgent); err != nil {
		return err
	}
	return b.cfg.Scheduler.ScheduleTick(ctx, conversationID)
}

func (b *Bridge) handleResolveTask(ctx context.Context, args map[string]interface{}) error {
	conversationID, _ := args["conversation_id"].(string)
	parentAgent, _ := args["parent_agent"].(string)
	childAgent, _ := args["child_agent"].(string)
	callID, _ := args["call_id"].(string)
	answer, _ := args["answer"].(string)

	if conversationID == "" || parentAgent == "" || childAgent == "" || callID == "" {
		return errors.New("resolve task missing required arguments")
	}
	return b.Resolve(ctx, conversationID, parentAgent, childAgent, callID, answer)
}

// scanCorrelation reports whether the stack holds a Waiting entry for the
// correlation id and whether a resolution for it already exists.
func scanCorrelation(stk *stack.Stack, callID string) (waited, resolved bool) {
	for _, entry := range stk.Entries() {
		if entry.State.CorrelationID != callID {
			continue
		}
		switch entry.State.Kind {
		case state.KindWaiting:
			waited = true
		case state.KindToolResult, state.KindAgentResult:
			resolved = true
		}
	}
	return waited, resolved
}

func delegationKey(conversationID, childAgent string) string {
	return fmt.Sprintf("delegation:%s:%s", conversationID, childAgent)
}
