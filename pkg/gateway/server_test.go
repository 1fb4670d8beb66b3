package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records every dispatched call.
type fakeDriver struct {
	calls []string
	fail  error
}

func (f *fakeDriver) Ack(ctx context.Context, conversationID, participant string, tick int) error {
	f.calls = append(f.calls, "ack")
	return f.fail
}

func (f *fakeDriver) AckLatest(ctx context.Context, conversationID, participant string) error {
	f.calls = append(f.calls, "ack_latest")
	return f.fail
}

func (f *fakeDriver) CompleteTool(ctx context.Context, conversationID, agentID, callID string, result interface{}) error {
	f.calls = append(f.calls, "complete_tool")
	return f.fail
}

func (f *fakeDriver) FailTool(ctx context.Context, conversationID, agentID, callID, errMsg string) error {
	f.calls = append(f.calls, "fail_tool")
	return f.fail
}

func (f *fakeDriver) SubmitUserMessage(ctx context.Context, conversationID, agentID, text string) error {
	f.calls = append(f.calls, "user_message")
	return f.fail
}

func TestDispatch_Routing(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"ack with tick", Message{Type: "ack", ConversationID: "c", Participant: "p", Tick: 3}, "ack"},
		{"ack without tick", Message{Type: "ack", ConversationID: "c", Participant: "p"}, "ack_latest"},
		{"tool result", Message{Type: "tool_result", ConversationID: "c", AgentID: "a", CallID: "x"}, "complete_tool"},
		{"tool error", Message{Type: "tool_error", ConversationID: "c", AgentID: "a", CallID: "x", Error: "boom"}, "fail_tool"},
		{"user message", Message{Type: "user_message", ConversationID: "c", AgentID: "a", Text: "hi"}, "user_message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{}
			s := NewServer("", driver, zerolog.Nop())

			require.NoError(t, s.dispatch(context.Background(), tt.msg))
			assert.Equal(t, []string{tt.want}, driver.calls)
		})
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	s := NewServer("", &fakeDriver{}, zerolog.Nop())
	err := s.dispatch(context.Background(), Message{Type: "nonsense"})
	assert.Error(t, err)
}

func TestServer_WebsocketRoundTrip(t *testing.T) {
	driver := &fakeDriver{}
	s := NewServer("", driver, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{
		Type:           "ack",
		ConversationID: "conv-1",
		Participant:    "agent-1",
		Tick:           1,
	}))

	var reply Response
	require.NoError(t, conn.ReadJSON(&reply))
	assert.True(t, reply.OK)

	// A rejected frame comes back with ok=false and keeps the connection.
	driver.fail = errors.New("boom")
	require.NoError(t, conn.WriteJSON(Message{Type: "ack", ConversationID: "conv-1", Participant: "agent-1", Tick: 1}))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "boom")
}
