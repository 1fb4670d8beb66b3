// Package gateway exposes the websocket surface out-of-process workers use
// to deliver acknowledgments, tool completions, and new user messages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Driver is the coordination surface the gateway forwards messages to.
type Driver interface {
	Ack(ctx context.Context, conversationID, participant string, tick int) error
	AckLatest(ctx context.Context, conversationID, participant string) error
	CompleteTool(ctx context.Context, conversationID, agentID, callID string, result interface{}) error
	FailTool(ctx context.Context, conversationID, agentID, callID, errMsg string) error
	SubmitUserMessage(ctx context.Context, conversationID, agentID, text string) error
}

// Message is one inbound worker frame.
type Message struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	AgentID        string      `json:"agent_id,omitempty"`
	Participant    string      `json:"participant,omitempty"`
	Tick           int         `json:"tick,omitempty"`
	CallID         string      `json:"call_id,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	Text           string      `json:"text,omitempty"`
}

// Response acknowledges one inbound frame.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Server is the websocket ack gateway.
type Server struct {
	addr     string
	driver   Driver
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a gateway bound to addr.
func NewServer(addr string, driver Driver, logger zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		driver: driver,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server failed")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Worker connection dropped")
			}
			return
		}

		resp := Response{OK: true}
		if err := s.dispatch(r.Context(), msg); err != nil {
			resp = Response{OK: false, Error: err.Error()}
			s.logger.Warn().
				Err(err).
				Str("type", msg.Type).
				Str("conversation", msg.ConversationID).
				Msg("Worker message rejected")
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) error {
	switch msg.Type {
	case "ack":
		if msg.Tick > 0 {
			return s.driver.Ack(ctx, msg.ConversationID, msg.Participant, msg.Tick)
		}
		return s.driver.AckLatest(ctx, msg.ConversationID, msg.Participant)

	case "tool_result":
		return s.driver.CompleteTool(ctx, msg.ConversationID, msg.AgentID, msg.CallID, msg.Result)

	case "tool_error":
		return s.driver.FailTool(ctx, msg.ConversationID, msg.AgentID, msg.CallID, msg.Error)

	case "user_message":
		return s.driver.SubmitUserMessage(ctx, msg.ConversationID, msg.AgentID, msg.Text)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}
