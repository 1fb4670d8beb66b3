package state

import "time"

// EffectType identifies the variant of a side effect.
type EffectType string

const (
	EffectPush          EffectType = "push"
	EffectEnqueue       EffectType = "enqueue"
	EffectEmit          EffectType = "emit"
	EffectWriteOverride EffectType = "write_override"
)

// Effect describes one side action a step wants performed. Effects are data,
// not actions: the session driver applies them, which keeps application
// idempotent under at-least-once delivery.
type Effect struct {
	Type     EffectType      `json:"type"`
	Push     *PushEffect     `json:"push,omitempty"`
	Enqueue  *EnqueueEffect  `json:"enqueue,omitempty"`
	Emit     *EmitEffect     `json:"emit,omitempty"`
	Override *OverrideEffect `json:"override,omitempty"`
}

// PushEffect appends a state to the named stack.
type PushEffect struct {
	Target StackKey `json:"target"`
	State  State    `json:"state"`
}

// EnqueueEffect dispatches a distributed task to a named queue.
type EnqueueEffect struct {
	Task     string                 `json:"task"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Queue    string                 `json:"queue"`
	Priority int                    `json:"priority"`
	Delay    time.Duration          `json:"delay,omitempty"`
}

// EmitEffect records a metric observation.
type EmitEffect struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// OverrideEffect writes an override patch for an agent in a conversation.
type OverrideEffect struct {
	ConversationID string                 `json:"conversation_id"`
	AgentID        string                 `json:"agent_id"`
	Patch          map[string]interface{} `json:"patch"`
}

// NewPushEffect creates a push effect.
func NewPushEffect(target StackKey, st State) Effect {
	return Effect{Type: EffectPush, Push: &PushEffect{Target: target, State: st}}
}

// NewEnqueueEffect creates an enqueue effect.
func NewEnqueueEffect(task, queue string, args map[string]interface{}, priority int, delay time.Duration) Effect {
	return Effect{Type: EffectEnqueue, Enqueue: &EnqueueEffect{
		Task:     task,
		Args:     args,
		Queue:    queue,
		Priority: priority,
		Delay:    delay,
	}}
}

// NewEmitEffect creates a metric emit effect.
func NewEmitEffect(name string, value float64, tags map[string]string) Effect {
	return Effect{Type: EffectEmit, Emit: &EmitEffect{Name: name, Value: value, Tags: tags}}
}

// NewOverrideEffect creates an override write effect.
func NewOverrideEffect(conversationID, agentID string, patch map[string]interface{}) Effect {
	return Effect{Type: EffectWriteOverride, Override: &OverrideEffect{
		ConversationID: conversationID,
		AgentID:        agentID,
		Patch:          patch,
	}}
}
