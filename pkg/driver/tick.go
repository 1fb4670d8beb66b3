package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
)

// tickMeta is the persisted record of an in-flight tick. Waiting sets are
// reconstructed from it after a restart.
type tickMeta struct {
	Tick      int   `json:"tick"`
	StartedAt int64 `json:"started_at"`
}

// waitInfo records one waiting participant's correlation so a timeout can
// produce the proper failure transition.
type waitInfo struct {
	Participant   string         `json:"participant"`
	AgentID       string         `json:"agent_id"`
	CorrelationID string         `json:"correlation_id"`
	Kind          state.WaitKind `json:"kind"`
	StartedAt     int64          `json:"started_at"`
}

// resolveConversation advances one conversation: it claims the ownership
// lease, then either checks the in-flight tick for timeout or starts a new
// one.
func (d *Driver) resolveConversation(ctx context.Context, conversationID string) error {
	owned, err := d.claimLease(ctx, conversationID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	tick, err := d.currentTick(ctx, conversationID)
	if err != nil {
		return err
	}

	if tick > 0 {
		inFlight, err := d.tickInFlight(ctx, conversationID, tick)
		if err != nil {
			return err
		}
		if inFlight {
			return d.expireIfOverdue(ctx, conversationID, tick)
		}
	}

	return d.startTick(ctx, conversationID, tick+1)
}

// tickInFlight reports whether the tick's waiting set is still non-empty.
func (d *Driver) tickInFlight(ctx context.Context, conversationID string, tick int) (bool, error) {
	_, hasMeta, err := d.cfg.Store.Get(ctx, tickMetaKey(conversationID, tick))
	if err != nil {
		return false, err
	}
	if !hasMeta {
		return false, nil
	}
	members, err := d.cfg.Store.SetMembers(ctx, waitingKey(conversationID, tick))
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// startTick runs one synchronized round: steps every registered agent,
// applies effects, and records waiting participants. If nobody ends up
// waiting and nothing was produced, the conversation goes quiescent.
func (d *Driver) startTick(ctx context.Context, conversationID string, tick int) error {
	meta := tickMeta{Tick: tick, StartedAt: time.Now().UnixMilli()}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode tick metadata: %w", err)
	}

	// The metadata write doubles as the tick's start claim: the poll loop
	// and a concurrently delivered tick task both resolve the same next
	// tick, and only the claimant may step agents. The loser no-ops.
	won, err := d.cfg.Store.SetNX(ctx, tickMetaKey(conversationID, tick), string(rawMeta), 0)
	if err != nil {
		return fmt.Errorf("failed to persist tick metadata: %w", err)
	}
	if !won {
		return nil
	}

	if err := d.setTick(ctx, conversationID, tick); err != nil {
		return err
	}

	agents, err := d.cfg.Store.SetMembers(ctx, agentsKey(conversationID))
	if err != nil {
		return fmt.Errorf("failed to enumerate agents: %w", err)
	}

	d.cfg.Logger.Debug().
		Str("conversation", conversationID).
		Int("tick", tick).
		Int("agents", len(agents)).
		Msg("Tick started")

	type stepResult struct {
		agentID string
		effects []state.Effect
	}

	// Steps for different agents run concurrently; their effects are
	// independent except where they target the same stack, and pushes are
	// applied from this goroutine afterwards.
	results := make([]stepResult, len(agents))
	g, stepCtx := errgroup.WithContext(ctx)
	for i, agentID := range agents {
		i, agentID := i, agentID
		g.Go(func() error {
			stk, err := d.cfg.Stacks.Get(stepCtx, state.NewStackKey(conversationID, agentID))
			if err != nil {
				return err
			}
			effects, err := d.cfg.Stepper.Step(stepCtx, conversationID, agentID, stk)
			if err != nil {
				if errors.Is(err, step.ErrSoleEntryNotUserMessage) || errors.Is(err, stack.ErrRootNotUserMessage) {
					// Fatal consistency error: surface, never retry.
					d.cfg.Logger.Error().
						Err(err).
						Str("conversation", conversationID).
						Str("agent", agentID).
						Msg("Fatal consistency error during step")
					return err
				}
				d.cfg.Logger.Warn().
					Err(err).
					Str("conversation", conversationID).
					Str("agent", agentID).
					Msg("Agent step failed")
				return nil
			}
			results[i] = stepResult{agentID: agentID, effects: effects}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Fatal consistency errors must not be re-dispatched by the next
		// poll: quarantine the conversation by dropping it from the
		// pending set until an operator (or a fresh user message) brings
		// it back.
		if _, rmErr := d.cfg.Store.SetRemove(ctx, pendingKey, conversationID); rmErr != nil {
			d.cfg.Logger.Warn().Err(rmErr).Str("conversation", conversationID).Msg("Failed to quarantine conversation")
		}
		if delErr := d.cfg.Store.Delete(ctx, tickMetaKey(conversationID, tick)); delErr != nil {
			d.cfg.Logger.Warn().Err(delErr).Str("conversation", conversationID).Msg("Failed to drop tick metadata")
		}
		return err
	}

	produced := 0
	for _, res := range results {
		if res.agentID == "" {
			continue
		}
		applied, err := d.applyEffects(ctx, conversationID, res.agentID, res.effects)
		if err != nil {
			return err
		}
		produced += applied
	}

	waiting, err := d.collectWaiting(ctx, conversationID, tick, agents, meta.StartedAt)
	if err != nil {
		return err
	}

	if waiting > 0 {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.WaitingParticipants.Add(float64(waiting))
		}
		return nil
	}

	// Nothing to wait on: finish immediately. With no produced effects the
	// conversation has gone quiescent and leaves the pending set.
	if produced == 0 {
		if _, err := d.cfg.Store.SetRemove(ctx, pendingKey, conversationID); err != nil {
			return err
		}
		if err := d.cfg.Store.Delete(ctx, tickMetaKey(conversationID, tick)); err != nil {
			return err
		}
		d.cfg.Logger.Debug().
			Str("conversation", conversationID).
			Int("tick", tick).
			Msg("Conversation quiescent")
		return nil
	}

	return d.finishTick(ctx, conversationID, tick, "advanced")
}

// collectWaiting records every agent whose stack top is a Waiting state into
// the tick's waiting set.
func (d *Driver) collectWaiting(ctx context.Context, conversationID string, tick int, agents []string, startedAt int64) (int, error) {
	waiting := 0
	for _, agentID := range agents {
		stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, agentID))
		if err != nil {
			return 0, err
		}
		entry, ok := stk.Current()
		if !ok || entry.State.Kind != state.KindWaiting {
			continue
		}

		if err := d.recordWaiting(ctx, conversationID, tick, agentID, entry, startedAt); err != nil {
			return 0, err
		}
		waiting++
	}
	return waiting, nil
}

// recordWaiting persists one participant's wait info and adds it to the
// tick's waiting set.
func (d *Driver) recordWaiting(ctx context.Context, conversationID string, tick int, agentID string, entry state.Entry, startedAt int64) error {
	info := waitInfo{
		Participant:   agentID,
		AgentID:       agentID,
		CorrelationID: entry.State.CorrelationID,
		Kind:          entry.State.WaitKind,
		StartedAt:     startedAt,
	}
	rawInfo, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode wait info: %w", err)
	}
	if err := d.cfg.Store.Set(ctx, waitInfoKey(conversationID, tick, agentID), string(rawInfo), 0); err != nil {
		return err
	}
	return d.cfg.Store.SetAdd(ctx, waitingKey(conversationID, tick), agentID)
}

// maxChainedSteps bounds how far a mid-tick step chain runs before yielding
// back to the regular tick cycle.
const maxChainedSteps = 8

// stepAgent advances a single agent while a tick is in flight. Delegation
// children are seeded after the tick's waiting set was collected, so the
// regular cycle would never reach them before the timeout; they are driven
// here until they block, terminate, or stop producing new top states.
func (d *Driver) stepAgent(ctx context.Context, conversationID, agentID string) error {
	stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, agentID))
	if err != nil {
		return err
	}

	for i := 0; i < maxChainedSteps; i++ {
		before, hadTop := stk.Current()

		effects, err := d.cfg.Stepper.Step(ctx, conversationID, agentID, stk)
		if err != nil {
			return err
		}
		if _, err := d.applyEffects(ctx, conversationID, agentID, effects); err != nil {
			return err
		}

		after, ok := stk.Current()
		if !ok {
			return nil
		}
		if after.State.Kind == state.KindWaiting {
			return d.registerWaiting(ctx, conversationID, agentID, after)
		}
		if hadTop && before.ID == after.ID {
			// The step left the top state in place; the chain is done.
			return nil
		}
	}
	return nil
}

// registerWaiting joins an agent into the in-flight tick's waiting set, so
// the tick also waits for the agent's completion. When no tick is in flight
// the next tick's collection pass picks the Waiting top up instead.
func (d *Driver) registerWaiting(ctx context.Context, conversationID, agentID string, entry state.Entry) error {
	tick, err := d.currentTick(ctx, conversationID)
	if err != nil || tick == 0 {
		return err
	}
	rawMeta, ok, err := d.cfg.Store.Get(ctx, tickMetaKey(conversationID, tick))
	if err != nil || !ok {
		return err
	}
	var meta tickMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return fmt.Errorf("corrupt tick metadata: %w", err)
	}
	if err := d.recordWaiting(ctx, conversationID, tick, agentID, entry, meta.StartedAt); err != nil {
		return err
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.WaitingParticipants.Inc()
	}
	return nil
}

// Ack removes a participant from the tick's waiting set. The last ack
// advances the tick; duplicate or stale acks are no-ops.
func (d *Driver) Ack(ctx context.Context, conversationID, participant string, tick int) error {
	infoKey := waitInfoKey(conversationID, tick, participant)
	rawInfo, ok, err := d.cfg.Store.Get(ctx, infoKey)
	if err != nil {
		return err
	}
	if !ok {
		// Already acked, timed out, or never waiting. No-op.
		return nil
	}

	var info waitInfo
	if err := json.Unmarshal([]byte(rawInfo), &info); err != nil {
		return fmt.Errorf("corrupt wait info for %s: %w", participant, err)
	}

	lag := time.Since(time.UnixMilli(info.StartedAt))
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.TickLag.WithLabelValues(string(info.Kind)).Observe(lag.Seconds())
		d.cfg.Metrics.WaitingParticipants.Dec()
	}
	d.cfg.Sink.Emit("tick_lag_ms", float64(lag.Milliseconds()), map[string]string{
		"kind": string(info.Kind),
	})

	if err := d.cfg.Store.Delete(ctx, infoKey); err != nil {
		return err
	}
	remaining, err := d.cfg.Store.SetRemove(ctx, waitingKey(conversationID, tick), participant)
	if err != nil {
		return err
	}

	d.cfg.Logger.Debug().
		Str("conversation", conversationID).
		Str("participant", participant).
		Int("tick", tick).
		Int("remaining", remaining).
		Dur("lag", lag).
		Msg("Participant acked")

	if remaining == 0 {
		return d.finishTick(ctx, conversationID, tick, "advanced")
	}
	return nil
}

// finishTick marks a tick resolved and enqueues the next one. The done key
// is claimed with set-if-absent, so when timeout expiry and the final ack
// race, the first to land is authoritative and the loser no-ops.
func (d *Driver) finishTick(ctx context.Context, conversationID string, tick int, outcome string) error {
	won, err := d.cfg.Store.SetNX(ctx, tickDoneKey(conversationID, tick), outcome, d.cfg.TickTimeout*2)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := d.cfg.Store.Delete(ctx, tickMetaKey(conversationID, tick)); err != nil {
		return err
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.TicksTotal.WithLabelValues(outcome).Inc()
	}

	d.cfg.Logger.Info().
		Str("conversation", conversationID).
		Int("tick", tick).
		Str("outcome", outcome).
		Msg("Tick resolved")

	return d.ScheduleTick(ctx, conversationID)
}

// sweepTimeouts force-expires in-flight ticks past the timeout.
func (d *Driver) sweepTimeouts(ctx context.Context) {
	conversations, err := d.cfg.Store.SetMembers(ctx, pendingKey)
	if err != nil {
		d.cfg.Logger.Warn().Err(err).Msg("Timeout sweep failed to list conversations")
		return
	}

	for _, conversationID := range conversations {
		tick, err := d.currentTick(ctx, conversationID)
		if err != nil || tick == 0 {
			continue
		}
		if err := d.expireIfOverdue(ctx, conversationID, tick); err != nil {
			d.cfg.Logger.Warn().
				Err(err).
				Str("conversation", conversationID).
				Msg("Timeout expiry failed")
		}
	}
}

// expireIfOverdue force-expires the tick when its waiting set has outlived
// the timeout: every straggler gets a timeout failure transition and the
// tick advances without their acks.
func (d *Driver) expireIfOverdue(ctx context.Context, conversationID string, tick int) error {
	rawMeta, ok, err := d.cfg.Store.Get(ctx, tickMetaKey(conversationID, tick))
	if err != nil || !ok {
		return err
	}
	var meta tickMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return fmt.Errorf("corrupt tick metadata: %w", err)
	}

	if time.Since(time.UnixMilli(meta.StartedAt)) < d.cfg.TickTimeout {
		return nil
	}

	members, err := d.cfg.Store.SetMembers(ctx, waitingKey(conversationID, tick))
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	for _, participant := range members {
		if err := d.timeoutParticipant(ctx, conversationID, tick, participant); err != nil {
			return err
		}
	}

	return d.finishTick(ctx, conversationID, tick, "timeout")
}

func (d *Driver) timeoutParticipant(ctx context.Context, conversationID string, tick int, participant string) error {
	infoKey := waitInfoKey(conversationID, tick, participant)
	rawInfo, ok, err := d.cfg.Store.Get(ctx, infoKey)
	if err != nil {
		return err
	}

	if ok {
		var info waitInfo
		if err := json.Unmarshal([]byte(rawInfo), &info); err != nil {
			return fmt.Errorf("corrupt wait info: %w", err)
		}

		stk, err := d.cfg.Stacks.Get(ctx, state.NewStackKey(conversationID, info.AgentID))
		if err != nil {
			return err
		}
		failure := state.NewToolFailure(info.CorrelationID,
			fmt.Sprintf("timed out after %s waiting for %s", d.cfg.TickTimeout, info.Kind))
		if _, err := stk.Push(ctx, failure); err != nil && !errors.Is(err, stack.ErrDuplicateEntry) {
			return err
		}

		if err := d.cfg.Store.Delete(ctx, infoKey); err != nil {
			return err
		}
	}

	if _, err := d.cfg.Store.SetRemove(ctx, waitingKey(conversationID, tick), participant); err != nil {
		return err
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.WaitingParticipants.Dec()
	}

	d.cfg.Logger.Warn().
		Str("conversation", conversationID).
		Str("participant", participant).
		Int("tick", tick).
		Msg("Participant timed out")

	return nil
}
