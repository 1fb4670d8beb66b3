package state

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the variant of a conversation state.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAssistantMessage Kind = "assistant_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindToolFailure      Kind = "tool_failure"
	KindAgentCall        Kind = "agent_call"
	KindAgentResult      Kind = "agent_result"
	KindWaiting          Kind = "waiting"
	KindFinished         Kind = "finished"
)

// Kinds returns the closed set of state kinds.
func Kinds() []Kind {
	return []Kind{
		KindUserMessage,
		KindAssistantMessage,
		KindToolCall,
		KindToolResult,
		KindToolFailure,
		KindAgentCall,
		KindAgentResult,
		KindWaiting,
		KindFinished,
	}
}

// IsTerminal returns true if the kind ends an agent's participation.
func (k Kind) IsTerminal() bool {
	return k == KindFinished || k == KindAgentResult
}

// WaitKind describes what a Waiting state is blocked on.
type WaitKind string

const (
	WaitTool  WaitKind = "tool"
	WaitAgent WaitKind = "agent"
	WaitTimer WaitKind = "timer"
)

// SeedMarker prefixes synthetic placeholder user messages left behind by
// branch forks. Entries carrying it must never reach a handler.
const SeedMarker = "[seed]"

// IsSeedText reports whether a message text is a synthetic seed placeholder.
func IsSeedText(text string) bool {
	return strings.HasPrefix(text, SeedMarker)
}

// StripSeed removes the seed marker prefix from a message text.
func StripSeed(text string) string {
	return strings.TrimLeft(strings.TrimPrefix(text, SeedMarker), " ")
}

// BaseCorrelation strips the retry attempt suffix ("#N") from a correlation
// id, returning the originating call's id. Retries of the same call share a
// base id.
func BaseCorrelation(correlationID string) string {
	if i := strings.Index(correlationID, "#"); i >= 0 {
		return correlationID[:i]
	}
	return correlationID
}

// State is one node in a conversation's history for one agent. Instances are
// immutable once pushed onto a stack.
type State struct {
	Kind          Kind                   `json:"kind"`
	CreatedAt     int64                  `json:"created_at"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Text          string                 `json:"text,omitempty"`
	ToolName      string                 `json:"tool_name,omitempty"`
	ToolArgs      map[string]interface{} `json:"tool_args,omitempty"`
	Result        interface{}            `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	TargetAgent   string                 `json:"target_agent,omitempty"`
	WaitKind      WaitKind               `json:"wait_kind,omitempty"`
}

// IsSeed reports whether the state is a synthetic seed user message.
func (s State) IsSeed() bool {
	return s.Kind == KindUserMessage && IsSeedText(s.Text)
}

// NewUserMessage creates a user message state.
func NewUserMessage(text string) State {
	return State{Kind: KindUserMessage, CreatedAt: time.Now().UnixMilli(), Text: text}
}

// NewAssistantMessage creates an assistant message state.
func NewAssistantMessage(text string) State {
	return State{Kind: KindAssistantMessage, CreatedAt: time.Now().UnixMilli(), Text: text}
}

// NewToolCall creates a tool call state correlated by callID.
func NewToolCall(callID, toolName string, args map[string]interface{}) State {
	return State{
		Kind:          KindToolCall,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: callID,
		ToolName:      toolName,
		ToolArgs:      args,
	}
}

// NewToolResult creates a tool result state for the call identified by callID.
func NewToolResult(callID string, result interface{}) State {
	return State{
		Kind:          KindToolResult,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: callID,
		Result:        result,
	}
}

// NewToolFailure creates a tool failure state for the call identified by callID.
func NewToolFailure(callID, errMsg string) State {
	return State{
		Kind:          KindToolFailure,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: callID,
		Error:         errMsg,
	}
}

// NewAgentCall creates a delegation request targeting another agent.
func NewAgentCall(callID, targetAgent, message string) State {
	return State{
		Kind:          KindAgentCall,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: callID,
		TargetAgent:   targetAgent,
		Text:          message,
	}
}

// NewAgentResult creates the state carrying a child agent's answer.
func NewAgentResult(callID, content string) State {
	return State{
		Kind:          KindAgentResult,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: callID,
		Text:          content,
	}
}

// NewWaiting creates a blocked state keyed by correlationID.
func NewWaiting(correlationID string, kind WaitKind) State {
	return State{
		Kind:          KindWaiting,
		CreatedAt:     time.Now().UnixMilli(),
		CorrelationID: correlationID,
		WaitKind:      kind,
	}
}

// NewFinished creates a terminal state with a final answer.
func NewFinished(text string) State {
	return State{Kind: KindFinished, CreatedAt: time.Now().UnixMilli(), Text: text}
}

// Entry is a State plus positional metadata inside an interaction stack.
// Entries are never mutated after push; pop is used only for seed stripping.
type Entry struct {
	ID           string `json:"id"`
	Seq          int    `json:"seq"`
	BranchID     string `json:"branch_id"`
	EpisodeID    int    `json:"episode_id"`
	ParentBranch string `json:"parent_branch,omitempty"`
	ParentSeq    int    `json:"parent_seq,omitempty"`
	State        State  `json:"state"`
}

// StackKey identifies one interaction stack.
type StackKey struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	BranchID       string `json:"branch_id"`
}

// String renders the key in conversation:agent:branch form.
func (k StackKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ConversationID, k.AgentID, k.BranchID)
}

// MainBranch is the branch id of the unforked conversation line.
const MainBranch = "main"

// NewStackKey creates a key on the main branch.
func NewStackKey(conversationID, agentID string) StackKey {
	return StackKey{ConversationID: conversationID, AgentID: agentID, BranchID: MainBranch}
}
