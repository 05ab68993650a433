// Package realtime relays race sessions over WebSocket. Clients join a
// session's channel, send control inputs, and receive session and game
// state updates. With a relay configured, updates fan out through NATS so
// every instance reaches its own connections.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/metrics"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/session"
)

// Inbound message types.
const (
	MsgJoinGame         = "join_game"
	MsgPlayerMove       = "player_move"
	MsgPlayerAccelerate = "player_accelerate"
	MsgLeaveGame        = "leave_game"
	MsgRequestState     = "request_state"
)

// Outbound message types.
const (
	MsgGameState        = "game_state"
	MsgPlayerJoined     = "player_joined"
	MsgPlayerLeft       = "player_left"
	MsgPlayerConnection = "player_connection"
	MsgGameStarted      = "game_started"
	MsgGameEnded        = "game_ended"
	MsgTokenUpdate      = "token_update"
	MsgError            = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4096
	sendBuffer = 64
)

// Inbound is a message from a client.
type Inbound struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	Direction  *string `json:"direction,omitempty"`
	Accelerate *bool   `json:"accelerate,omitempty"`
}

// Outbound is a message to clients.
type Outbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Sessions is the session service as seen by the hub.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.View, error)
	Join(ctx context.Context, sessionID, userID string) (*session.JoinResult, error)
	Leave(ctx context.Context, sessionID, userID string) (*model.GameSession, error)
	Reconnect(ctx context.Context, sessionID, userID string) error
	Disconnect(ctx context.Context, sessionID, userID string) error
	RecordInput(ctx context.Context, sessionID, userID string, in session.Input) (*session.GameState, error)
	State(ctx context.Context, sessionID string) (*session.GameState, error)
}

// Relay carries session messages between instances.
type Relay interface {
	PublishSession(sessionID string, data []byte) error
	SubscribeSessions(handler func(sessionID string, data []byte)) error
}

// Membership records which session a connection has joined.
type Membership struct {
	ConnID    string
	UserID    string
	SessionID string
	JoinedAt  time.Time
}

// Hub owns the WebSocket connections of this instance.
type Hub struct {
	sessions Sessions
	relay    Relay
	upgrader websocket.Upgrader

	clients sync.Map // conn id → *client
	members sync.Map // conn id → Membership
}

// NewHub creates a hub. Bind must be called before serving.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Bind attaches the session service the hub forwards inputs to.
func (h *Hub) Bind(s Sessions) { h.sessions = s }

// UseRelay routes outbound session messages through r and delivers what
// r receives to local connections. Call before serving.
func (h *Hub) UseRelay(r Relay) error {
	if err := r.SubscribeSessions(h.deliver); err != nil {
		return err
	}
	h.relay = r
	return nil
}

// Membership returns the session record of a connection.
func (h *Hub) Membership(connID string) (Membership, bool) {
	v, ok := h.members.Load(connID)
	if !ok {
		return Membership{}, false
	}
	return v.(Membership), true
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues data without blocking; slow clients drop messages.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleWS upgrades an authenticated request to a WebSocket connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, apperr.ErrUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{id: uuid.New().String(), userID: p.UserID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.clients.Store(c.id, c)
	metrics.WebSocketClients.Inc()
	slog.Info("ws client connected", "conn_id", c.id, "user_id", c.userID)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(c, apperr.Validation("malformed message"))
			continue
		}
		h.handle(context.Background(), c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop forgets a closed connection. The player is marked disconnected
// once no other local connection of theirs is joined to the session.
func (h *Hub) drop(c *client) {
	h.clients.Delete(c.id)
	c.close()
	metrics.WebSocketClients.Dec()

	if v, ok := h.members.LoadAndDelete(c.id); ok {
		m := v.(Membership)
		if h.joined(m.SessionID, m.UserID) {
			slog.Info("ws client disconnected", "conn_id", c.id, "user_id", c.userID, "other_connections", true)
			return
		}
		if err := h.sessions.Disconnect(context.Background(), m.SessionID, m.UserID); err != nil {
			slog.Warn("mark disconnected failed", "session_id", m.SessionID, "user_id", m.UserID, "err", err)
		}
	}
	slog.Info("ws client disconnected", "conn_id", c.id, "user_id", c.userID)
}

func (h *Hub) handle(ctx context.Context, c *client, msg Inbound) {
	var err error
	switch msg.Type {
	case MsgJoinGame:
		err = h.join(ctx, c, msg.SessionID)
	case MsgPlayerMove:
		err = h.input(ctx, c, session.Input{Direction: msg.Direction})
	case MsgPlayerAccelerate:
		err = h.input(ctx, c, session.Input{Accelerate: msg.Accelerate})
	case MsgLeaveGame:
		err = h.leave(ctx, c)
	case MsgRequestState:
		err = h.resync(ctx, c)
	default:
		err = apperr.Validation("unknown message type %q", msg.Type)
	}
	if err != nil {
		h.sendError(c, err)
	}
}

// join subscribes the connection to a session. A participant who joined
// over HTTP is reconnected; anyone else joins and pays here.
func (h *Hub) join(ctx context.Context, c *client, sessionID string) error {
	if sessionID == "" {
		return apperr.Validation("session_id is required")
	}
	if m, ok := h.Membership(c.id); ok && m.SessionID != sessionID {
		return apperr.Validation("connection already joined session %s", m.SessionID)
	}

	v, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	member := false
	for _, p := range v.Participants {
		if p.UserID == c.userID {
			member = true
			break
		}
	}
	if member {
		if err := h.sessions.Reconnect(ctx, sessionID, c.userID); err != nil {
			return err
		}
	} else {
		res, err := h.sessions.Join(ctx, sessionID, c.userID)
		if err != nil {
			return err
		}
		h.sendTo(c, MsgTokenUpdate, sessionID, map[string]int{"remaining": res.TokensRemaining})
	}

	h.members.Store(c.id, Membership{ConnID: c.id, UserID: c.userID, SessionID: sessionID, JoinedAt: time.Now().UTC()})
	return h.resync(ctx, c)
}

func (h *Hub) input(ctx context.Context, c *client, in session.Input) error {
	m, ok := h.Membership(c.id)
	if !ok {
		return apperr.ErrNotParticipant
	}
	st, err := h.sessions.RecordInput(ctx, m.SessionID, c.userID, in)
	if err != nil {
		return err
	}
	h.broadcast(m.SessionID, MsgGameState, st)
	return nil
}

func (h *Hub) leave(ctx context.Context, c *client) error {
	m, ok := h.Membership(c.id)
	if !ok {
		return apperr.ErrNotParticipant
	}
	if _, err := h.sessions.Leave(ctx, m.SessionID, c.userID); err != nil {
		return err
	}
	h.members.Delete(c.id)
	return nil
}

func (h *Hub) resync(ctx context.Context, c *client) error {
	m, ok := h.Membership(c.id)
	if !ok {
		return apperr.ErrNotParticipant
	}
	st, err := h.sessions.State(ctx, m.SessionID)
	if err != nil {
		return err
	}
	h.sendTo(c, MsgGameState, m.SessionID, st)
	return nil
}

// Publish turns a committed domain event into a channel message for the
// session's connections.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	if e.SessionID == "" {
		return nil
	}
	var typ string
	switch e.Type {
	case events.PlayerJoined:
		typ = MsgPlayerJoined
	case events.PlayerLeft:
		typ = MsgPlayerLeft
	case events.PlayerConnection:
		typ = MsgPlayerConnection
	case events.SessionStarting:
		typ = MsgGameState
	case events.SessionStarted:
		typ = MsgGameStarted
	case events.SessionCompleted, events.SessionCancelled:
		typ = MsgGameEnded
	default:
		return nil
	}
	h.broadcastRaw(e.SessionID, Outbound{Type: typ, SessionID: e.SessionID, UserID: e.UserID, Data: e.Payload})
	return nil
}

// joined reports whether any local connection of userID is joined to sessionID.
func (h *Hub) joined(sessionID, userID string) bool {
	found := false
	h.members.Range(func(_, v any) bool {
		m := v.(Membership)
		found = m.SessionID == sessionID && m.UserID == userID
		return !found
	})
	return found
}

func (h *Hub) forget(match func(Membership) bool) {
	h.members.Range(func(k, v any) bool {
		if match(v.(Membership)) {
			h.members.Delete(k)
		}
		return true
	})
}

func (h *Hub) broadcast(sessionID, typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.broadcastRaw(sessionID, Outbound{Type: typ, SessionID: sessionID, Data: data})
}

func (h *Hub) broadcastRaw(sessionID string, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if h.relay != nil {
		if err := h.relay.PublishSession(sessionID, data); err == nil {
			return
		}
		slog.Warn("relay publish failed, delivering locally", "session_id", sessionID)
	}
	h.deliver(sessionID, data)
}

// deliver writes data to every local connection joined to sessionID, then
// drops the memberships a player_left or game_ended message ends. Relayed
// messages from other instances take the same path.
func (h *Hub) deliver(sessionID string, data []byte) {
	h.members.Range(func(k, v any) bool {
		if v.(Membership).SessionID != sessionID {
			return true
		}
		if c, ok := h.clients.Load(k); ok {
			c.(*client).trySend(data)
		}
		return true
	})

	var msg Outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case MsgPlayerLeft:
		h.forget(func(m Membership) bool { return m.SessionID == sessionID && m.UserID == msg.UserID })
	case MsgGameEnded:
		h.forget(func(m Membership) bool { return m.SessionID == sessionID })
	}
}

func (h *Hub) sendTo(c *client, typ, sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	msg, err := json.Marshal(Outbound{Type: typ, SessionID: sessionID, Data: data})
	if err != nil {
		return
	}
	c.trySend(msg)
}

func (h *Hub) sendError(c *client, err error) {
	e := apperr.From(err)
	msg := e.Message
	if e.Kind() == apperr.KindInternal {
		slog.Error("ws request failed", "conn_id", c.id, "err", err)
		msg = "internal error"
	}
	h.sendTo(c, MsgError, "", map[string]string{"code": string(e.Code), "message": msg})
}
