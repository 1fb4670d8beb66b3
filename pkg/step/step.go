// Package step maps the top of an agent's interaction stack to a handler and
// collects the effects the handler requests. Dispatch is a fixed
// registration table over the closed set of state kinds; unknown kinds are a
// forward-compatible no-op.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tickd/internal/metrics"
	"tickd/pkg/stack"
	"tickd/pkg/state"
)

// ErrSoleEntryNotUserMessage is a fatal consistency error: a stack of length
// one whose only entry is not a user message. Operator error, never retried.
var ErrSoleEntryNotUserMessage = errors.New("sole stack entry is not a user message")

// maxSeedStrip bounds how many consecutive synthetic seed entries a step
// removes before dispatch. Branch forks leave at most two.
const maxSeedStrip = 2

// Request carries the dispatch inputs to a handler.
type Request struct {
	ConversationID string
	AgentID        string
	Entry          state.Entry
	Stack          *stack.Stack
}

// Handler produces the effects for one state kind. Handlers may push to the
// request's own stack directly and additionally return effects naming
// actions outside it.
type Handler func(ctx context.Context, req Request) ([]state.Effect, error)

// Registry is the fixed dispatch table, resolved at startup.
type Registry struct {
	handlers map[state.Kind]Handler
}

// NewRegistry creates an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[state.Kind]Handler)}
}

// Register binds a handler to a state kind. Rebinding a kind is a
// configuration error.
func (r *Registry) Register(kind state.Kind, handler Handler) error {
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler already registered for kind %s", kind)
	}
	r.handlers[kind] = handler
	return nil
}

// Lookup returns the handler for a kind, if registered.
func (r *Registry) Lookup(kind state.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Stepper runs agent steps against a dispatch registry.
type Stepper struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewStepper creates a stepper.
func NewStepper(registry *Registry, m *metrics.Metrics, logger zerolog.Logger) *Stepper {
	return &Stepper{registry: registry, metrics: m, logger: logger}
}

// Step reads the top of the agent's stack, dispatches its handler, and
// returns the requested effects. An empty stack and an unregistered kind are
// both no-ops. A sole non-UserMessage entry is fatal.
func (s *Stepper) Step(ctx context.Context, conversationID, agentID string, stk *stack.Stack) ([]state.Effect, error) {
	if err := s.stripSeeds(ctx, stk); err != nil {
		return nil, err
	}

	entry, ok := stk.Current()
	if !ok {
		return nil, nil
	}

	if stk.Len() == 1 && entry.State.Kind != state.KindUserMessage {
		if s.metrics != nil {
			s.metrics.FatalErrors.Inc()
		}
		return nil, fmt.Errorf("stack %s: %w (got %s)", stk.Key(), ErrSoleEntryNotUserMessage, entry.State.Kind)
	}

	handler, ok := s.registry.Lookup(entry.State.Kind)
	if !ok {
		s.logger.Debug().
			Str("conversation", conversationID).
			Str("agent", agentID).
			Str("kind", string(entry.State.Kind)).
			Msg("No handler registered, skipping")
		return nil, nil
	}

	start := time.Now()
	effects, err := handler(ctx, Request{
		ConversationID: conversationID,
		AgentID:        agentID,
		Entry:          entry,
		Stack:          stk,
	})
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.StepsTotal.WithLabelValues(string(entry.State.Kind), status).Inc()
		s.metrics.StepDuration.Observe(duration.Seconds())
	}

	if err != nil {
		return nil, fmt.Errorf("handler for %s failed: %w", entry.State.Kind, err)
	}

	s.logger.Debug().
		Str("conversation", conversationID).
		Str("agent", agentID).
		Str("kind", string(entry.State.Kind)).
		Int("effects", len(effects)).
		Dur("duration", duration).
		Msg("Step dispatched")

	return effects, nil
}

// stripSeeds pops up to two consecutive synthetic seed user messages off the
// top of the stack. Seeds are inert fork placeholders and must never reach a
// handler.
func (s *Stepper) stripSeeds(ctx context.Context, stk *stack.Stack) error {
	for i := 0; i < maxSeedStrip; i++ {
		entry, ok := stk.Current()
		if !ok || !entry.State.IsSeed() {
			return nil
		}
		if _, _, err := stk.Pop(ctx); err != nil {
			return fmt.Errorf("failed to strip seed entry: %w", err)
		}
		s.logger.Debug().Str("stack", stk.Key().String()).Msg("Stripped seed entry")
	}
	return nil
}
