package driver

import (
	"context"
	"errors"
	"fmt"

	"tickd/internal/config"
	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
)

// TaskTool is the task name tool executions are enqueued under. The tool
// content itself is external; deployments register their executor for it.
const TaskTool = "tools:execute"

// DefaultMaxToolRetries bounds how many times a failed tool call is retried
// before the conversation terminates.
const DefaultMaxToolRetries = 2

// ToolCallHandler returns the builtin handler for ToolCall states: block the
// agent on the call's correlation id and dispatch the execution to the tools
// queue.
func ToolCallHandler() step.Handler {
	return func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		callID := req.Entry.State.CorrelationID
		if callID == "" {
			return nil, fmt.Errorf("tool call without correlation id on %s", req.Stack.Key())
		}
		return []state.Effect{
			state.NewPushEffect(req.Stack.Key(), state.NewWaiting(callID, state.WaitTool)),
			state.NewEnqueueEffect(TaskTool, config.QueueTools, map[string]interface{}{
				"conversation_id": req.ConversationID,
				"agent_id":        req.AgentID,
				"call_id":         callID,
				"tool":            req.Entry.State.ToolName,
				"args":            req.Entry.State.ToolArgs,
			}, 0, 0),
		}, nil
	}
}

// ToolFailureHandler returns the builtin handler for ToolFailure states:
// retry the originating call up to maxRetries times with attempt-suffixed
// correlation ids, then terminate the conversation.
func ToolFailureHandler(maxRetries int) step.Handler {
	if maxRetries < 0 {
		maxRetries = DefaultMaxToolRetries
	}
	return func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		base := state.BaseCorrelation(req.Entry.State.CorrelationID)

		attempts := 0
		var call *state.State
		for _, entry := range req.Stack.Entries() {
			if state.BaseCorrelation(entry.State.CorrelationID) != base {
				continue
			}
			switch entry.State.Kind {
			case state.KindToolFailure:
				attempts++
			case state.KindToolCall:
				st := entry.State
				call = &st
			}
		}

		if call == nil || attempts > maxRetries {
			return []state.Effect{
				state.NewPushEffect(req.Stack.Key(), state.NewFinished(
					fmt.Sprintf("tool call %s failed permanently: %s", base, req.Entry.State.Error))),
				state.NewEmitEffect("tool_retries_exhausted", 1, map[string]string{
					"tool": toolName(call),
				}),
			}, nil
		}

		retryID := fmt.Sprintf("%s#%d", base, attempts+1)
		return []state.Effect{
			state.NewPushEffect(req.Stack.Key(), state.NewWaiting(retryID, state.WaitTool)),
			state.NewEnqueueEffect(TaskTool, config.QueueTools, map[string]interface{}{
				"conversation_id": req.ConversationID,
				"agent_id":        req.AgentID,
				"call_id":         retryID,
				"tool":            call.ToolName,
				"args":            call.ToolArgs,
			}, 0, 0),
		}, nil
	}
}

// NoopHandler returns a handler producing no effects, used for kinds that
// only unblock through external completions (Waiting) or end the machine
// (Finished) when no richer handler is wired.
func NoopHandler() step.Handler {
	return func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		return nil, nil
	}
}

// CompleteTool records a tool's successful out-of-process completion: the
// result is pushed under the call's correlation id and the participant acks
// the current tick. Safe to re-deliver.
func (d *Driver) CompleteTool(ctx context.Context, conversationID, agentID, callID string, result interface{}) error {
	stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, agentID))
	if err != nil {
		return err
	}
	if _, err := stk.Push(ctx, state.NewToolResult(callID, result)); err != nil {
		if !errors.Is(err, stack.ErrDuplicateEntry) {
			return err
		}
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DedupHitsTotal.WithLabelValues("stack").Inc()
		}
	}
	return d.AckLatest(ctx, conversationID, agentID)
}

// FailTool records a tool's out-of-process failure as a ToolFailure
// transition and acks the current tick.
func (d *Driver) FailTool(ctx context.Context, conversationID, agentID, callID, errMsg string) error {
	stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, agentID))
	if err != nil {
		return err
	}
	if _, err := stk.Push(ctx, state.NewToolFailure(callID, errMsg)); err != nil {
		if !errors.Is(err, stack.ErrDuplicateEntry) {
			return err
		}
	}
	return d.AckLatest(ctx, conversationID, agentID)
}

// AckLatest acks a participant against the conversation's current tick, for
// callers that did not carry the tick number through their round-trip.
func (d *Driver) AckLatest(ctx context.Context, conversationID, participant string) error {
	tick, err := d.currentTick(ctx, conversationID)
	if err != nil {
		return err
	}
	if tick == 0 {
		return nil
	}
	return d.Ack(ctx, conversationID, participant, tick)
}

func toolName(call *state.State) string {
	if call == nil {
		return "unknown"
	}
	return call.ToolName
}
