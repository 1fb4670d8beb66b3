package driver

import (
	"context"
	"errors"
	"fmt"

	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/taskqueue"
)

// applyEffects performs the side actions a step requested. Pushes happen
// synchronously; duplicate pushes and locked override writes are expected
// collisions, logged low and treated as success-no-op. Returns how many
// effects were applied.
func (d *Driver) applyEffects(ctx context.Context, conversationID, agentID string, effects []state.Effect) (int, error) {
	applied := 0
	for _, effect := range effects {
		if err := d.applyEffect(ctx, conversationID, agentID, effect); err != nil {
			return applied, err
		}
		applied++
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.EffectsTotal.WithLabelValues(string(effect.Type)).Inc()
		}
	}
	return applied, nil
}

func (d *Driver) applyEffect(ctx context.Context, conversationID, agentID string, effect state.Effect) error {
	switch effect.Type {
	case state.EffectPush:
		stk, err := d.cfg.Stacks.Get(ctx, effect.Push.Target)
		if err != nil {
			return err
		}
		if _, err := stk.Push(ctx, effect.Push.State); err != nil {
			if errors.Is(err, stack.ErrDuplicateEntry) {
				if d.cfg.Metrics != nil {
					d.cfg.Metrics.DedupHitsTotal.WithLabelValues("stack").Inc()
				}
				d.cfg.Logger.Debug().
					Str("stack", effect.Push.Target.String()).
					Msg("Duplicate push collapsed")
				return nil
			}
			if errors.Is(err, stack.ErrBlockedOnWaiting) {
				d.cfg.Logger.Warn().
					Err(err).
					Str("stack", effect.Push.Target.String()).
					Msg("Push refused by waiting stack")
				return nil
			}
			return err
		}
		return nil

	case state.EffectEnqueue:
		_, err := d.cfg.Broker.Enqueue(ctx, effect.Enqueue.Task, effect.Enqueue.Args, taskqueue.Options{
			Priority: effect.Enqueue.Priority,
			Delay:    effect.Enqueue.Delay,
		})
		return err

	case state.EffectEmit:
		d.cfg.Sink.Emit(effect.Emit.Name, effect.Emit.Value, effect.Emit.Tags)
		return nil

	case state.EffectWriteOverride:
		if d.cfg.Overrides == nil {
			d.cfg.Logger.Debug().Msg("Override effect dropped, no override store configured")
			return nil
		}
		target := effect.Override
		if _, err := d.cfg.Overrides.Apply(ctx, target.ConversationID, target.AgentID, target.Patch); err != nil {
			d.cfg.Logger.Warn().
				Err(err).
				Str("conversation", target.ConversationID).
				Str("agent", target.AgentID).
				Msg("Override write refused")
			return nil
		}
		return nil

	default:
		return fmt.Errorf("unknown effect type %s from %s/%s", effect.Type, conversationID, agentID)
	}
}
