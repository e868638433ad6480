package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"soulchat/internal/session"
	"soulchat/pkg/types"
)

// Inbound frame types sent by clients.
const (
	FrameMessage    = "message"
	FrameTyping     = "typing"
	FrameStopTyping = "stopTyping"
)

// Error codes carried in error events.
const (
	CodeCooldown       = "cooldown"
	CodeBlocked        = "blocked"
	CodeInvalidMessage = "invalid_message"
	CodeInvalidFrame   = "invalid_frame"
	CodeInternal       = "internal"
)

// ChatService is the session behavior the socket handler drives.
type ChatService interface {
	ConnectWithID(sessionID string) (*types.Session, error)
	Disconnect(sessionID string) error
	SendMessage(sessionID, text string) (*types.SendResult, error)
	SetTyping(sessionID string, typing bool) error
	SendError(sessionID string, payload types.ErrorPayload) error
}

// HandlerOptions tunes socket behavior. Zero values select defaults.
type HandlerOptions struct {
	SendBuffer     int
	ReadLimit      int64
	PingInterval   time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 16 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	return o
}

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Handler upgrades HTTP requests to chat sockets.
// ARCHITECTURAL DISCOVERY: Connection setup is ordered socket → registry →
// session so the joined event always finds a sink to land in.
type Handler struct {
	registry *Registry
	chat     ChatService
	opts     HandlerOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *Registry, chat ChatService, opts HandlerOptions, logger zerolog.Logger) *Handler {
	opts = opts.withDefaults()
	h := &Handler{
		registry: registry,
		chat:     chat,
		opts:     opts,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows every origin unless an allow list is configured.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves /ws.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, session.NewSessionID(), h.opts.SendBuffer)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Error().Err(err).Msg("failed to register connection")
		_ = wsConn.Close()
		return
	}

	if _, err := h.chat.ConnectWithID(wsConn.SessionID()); err != nil {
		h.logger.Error().Err(err).Str("session_id", wsConn.SessionID()).Msg("failed to connect session")
		h.registry.UnregisterConnection(wsConn)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat until the socket closes.
func (h *Handler) handleConnection(conn *Connection) {
	sessionID := conn.SessionID()
	defer func() {
		if err := h.chat.Disconnect(sessionID); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("disconnect failed")
		}
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.opts.ReadLimit)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

// TECHNICAL DISCOVERY: Control frames may be written concurrently with the
// writer goroutine's data frames.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	sessionID := conn.SessionID()

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendError(conn, types.ErrorPayload{Code: CodeInvalidFrame, Message: "frame must be a JSON object"})
		return
	}

	var err error
	switch frame.Type {
	case FrameMessage:
		_, err = h.chat.SendMessage(sessionID, frame.Text)
	case FrameTyping:
		err = h.chat.SetTyping(sessionID, true)
	case FrameStopTyping:
		err = h.chat.SetTyping(sessionID, false)
	default:
		h.sendError(conn, types.ErrorPayload{Code: CodeInvalidFrame, Message: "unknown frame type"})
		return
	}

	if err != nil {
		h.sendError(conn, errorPayload(err))
	}
}

// errorPayload maps a service error to the event shown to the sender.
func errorPayload(err error) types.ErrorPayload {
	var cooldown *types.CooldownError
	switch {
	case errors.As(err, &cooldown):
		return types.ErrorPayload{
			Code:             CodeCooldown,
			Message:          "Please wait before sending another message.",
			RemainingSeconds: cooldown.RemainingSeconds(),
		}
	case errors.Is(err, types.ErrMessageBlocked):
		return types.ErrorPayload{Code: CodeBlocked, Message: "Message contains blocked words."}
	case errors.Is(err, types.ErrEmptyMessage), errors.Is(err, types.ErrMessageTooLong):
		return types.ErrorPayload{Code: CodeInvalidMessage, Message: err.Error()}
	default:
		return types.ErrorPayload{Code: CodeInternal, Message: "Message could not be delivered."}
	}
}

func (h *Handler) sendError(conn *Connection, payload types.ErrorPayload) {
	if err := h.chat.SendError(conn.SessionID(), payload); err != nil {
		h.logger.Debug().Err(err).Str("session_id", conn.SessionID()).Msg("failed to send error event")
	}
}
