package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/leaderboard"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/session"
	"github.com/whopracer/race-engine/internal/settlement"
	"github.com/whopracer/race-engine/internal/store"
	"github.com/whopracer/race-engine/internal/tokens"
)

type fixture struct {
	st     *store.MemoryStore
	svc    *session.Service
	hub    *Hub
	tokens *auth.Tokens
	srv    *httptest.Server
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	clock := clockwork.NewRealClock()
	st := store.NewMemoryStore()
	l := ledger.New(clock)
	hub := NewHub()
	svc := session.NewService(session.Deps{
		Store:       st,
		Ledger:      l,
		Tokens:      tokens.NewGate(clock),
		Settlement:  settlement.NewEngine(st, l, clock, "developer", hub),
		Leaderboard: leaderboard.NewAggregator(st, l, clock, hub),
		Clock:       clock,
		Events:      hub,
	})
	hub.Bind(svc)

	ctx := context.Background()
	for _, uid := range users {
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			now := clock.Now()
			if err := tx.CreateUser(ctx, &model.User{ID: uid, TokensRemaining: 3, LastTokenReset: model.MidnightUTC(now), CreatedAt: now}); err != nil {
				return err
			}
			_, err := l.Credit(ctx, tx, ledger.Entry{UserID: uid, Amount: decimal.NewFromInt(50), Type: model.TxCreditPurchase})
			return err
		}))
	}

	tok := auth.NewTokens("secret", time.Hour, clock)
	srv := httptest.NewServer(tok.Middleware(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(srv.Close)
	return &fixture{st: st, svc: svc, hub: hub, tokens: tok, srv: srv}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	raw, _, err := f.tokens.Issue(auth.Principal{UserID: userID})
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?token=" + raw
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// expect reads until a message of type typ arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) Outbound {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Outbound
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestHandleWS_RequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRace_OverWebSocket(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 2)
	require.NoError(t, err)
	sid := created.Session.ID

	alice := f.dial(t, "alice")
	send(t, alice, map[string]any{"type": MsgJoinGame, "session_id": sid})
	state := expect(t, alice, MsgGameState)
	assert.Equal(t, sid, state.SessionID)

	bob := f.dial(t, "bob")
	send(t, bob, map[string]any{"type": MsgJoinGame, "session_id": sid})
	tok := expect(t, bob, MsgTokenUpdate)
	assert.JSONEq(t, `{"remaining":2}`, string(tok.Data))
	expect(t, bob, MsgGameState)
	expect(t, alice, MsgPlayerJoined)

	_, err = f.svc.Start(ctx, sid, "alice", false)
	require.NoError(t, err)
	expect(t, alice, MsgGameStarted)
	expect(t, bob, MsgGameStarted)

	send(t, bob, map[string]any{"type": MsgPlayerMove, "direction": "left"})
	msg := expect(t, alice, MsgGameState)
	var gs session.GameState
	require.NoError(t, json.Unmarshal(msg.Data, &gs))
	assert.Equal(t, session.DirectionLeft, gs.Players["bob"].Direction)
	assert.Equal(t, model.StatusActive, gs.Status)

	send(t, bob, map[string]any{"type": MsgPlayerMove, "direction": "up"})
	errMsg := expect(t, bob, MsgError)
	assert.Contains(t, string(errMsg.Data), "VALIDATION_ERROR")

	send(t, alice, map[string]any{"type": MsgRequestState})
	expect(t, alice, MsgGameState)

	_, err = f.svc.Complete(ctx, sid, "alice", []session.Result{
		{UserID: "alice", Score: 500},
		{UserID: "bob", Score: 300},
	})
	require.NoError(t, err)
	ended := expect(t, bob, MsgGameEnded)
	assert.Contains(t, string(ended.Data), `"results"`)
}

func TestJoinGame_ReportsErrors(t *testing.T) {
	f := newFixture(t, "alice")
	conn := f.dial(t, "alice")

	send(t, conn, map[string]any{"type": MsgJoinGame, "session_id": "missing"})
	msg := expect(t, conn, MsgError)
	assert.Contains(t, string(msg.Data), "SESSION_NOT_FOUND")

	send(t, conn, map[string]any{"type": MsgPlayerAccelerate, "accelerate": true})
	msg = expect(t, conn, MsgError)
	assert.Contains(t, string(msg.Data), "NOT_PARTICIPANT")

	send(t, conn, map[string]any{"type": "teleport"})
	msg = expect(t, conn, MsgError)
	assert.Contains(t, string(msg.Data), "VALIDATION_ERROR")
}

func TestClose_MarksDisconnected(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 2)
	require.NoError(t, err)
	sid := created.Session.ID

	bob := f.dial(t, "bob")
	send(t, bob, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, bob, MsgGameState)

	var connID string
	f.hub.members.Range(func(k, v any) bool {
		if v.(Membership).UserID == "bob" {
			connID = k.(string)
		}
		return true
	})
	require.NotEmpty(t, connID)
	m, ok := f.hub.Membership(connID)
	require.True(t, ok)
	assert.Equal(t, sid, m.SessionID)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		p, err := f.st.GetParticipant(ctx, sid, "bob")
		return err == nil && !p.Connected
	}, 3*time.Second, 20*time.Millisecond)

	_, ok = f.hub.Membership(connID)
	assert.False(t, ok)
}

func TestLeaveGame(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 4)
	require.NoError(t, err)
	sid := created.Session.ID

	alice := f.dial(t, "alice")
	send(t, alice, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, alice, MsgGameState)
	bob := f.dial(t, "bob")
	send(t, bob, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, bob, MsgGameState)

	send(t, bob, map[string]any{"type": MsgLeaveGame})
	expect(t, alice, MsgPlayerLeft)

	v, err := f.svc.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Session.CurrentPlayers)
}

type loopRelay struct {
	mu        sync.Mutex
	handler   func(string, []byte)
	published []string
}

func (r *loopRelay) PublishSession(sessionID string, data []byte) error {
	r.mu.Lock()
	r.published = append(r.published, sessionID)
	h := r.handler
	r.mu.Unlock()
	h(sessionID, data)
	return nil
}

func (r *loopRelay) SubscribeSessions(handler func(string, []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	return nil
}

func TestRelay_DeliversThroughSubscription(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	relay := &loopRelay{}
	require.NoError(t, f.hub.UseRelay(relay))

	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 2)
	require.NoError(t, err)
	sid := created.Session.ID

	alice := f.dial(t, "alice")
	send(t, alice, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, alice, MsgGameState)

	_, err = f.svc.Join(ctx, sid, "bob")
	require.NoError(t, err)
	expect(t, alice, MsgPlayerJoined)

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Contains(t, relay.published, sid)
}

func (f *fixture) memberships(userID string) int {
	n := 0
	f.hub.members.Range(func(_, v any) bool {
		if v.(Membership).UserID == userID {
			n++
		}
		return true
	})
	return n
}

func TestClose_OtherConnectionKeepsPlayerConnected(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 4)
	require.NoError(t, err)
	sid := created.Session.ID

	phone := f.dial(t, "bob")
	send(t, phone, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, phone, MsgGameState)
	laptop := f.dial(t, "bob")
	send(t, laptop, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, laptop, MsgGameState)
	require.Equal(t, 2, f.memberships("bob"))

	require.NoError(t, phone.Close())
	require.Eventually(t, func() bool { return f.memberships("bob") == 1 }, 3*time.Second, 20*time.Millisecond)
	p, err := f.st.GetParticipant(ctx, sid, "bob")
	require.NoError(t, err)
	assert.True(t, p.Connected)

	require.NoError(t, laptop.Close())
	require.Eventually(t, func() bool {
		p, err := f.st.GetParticipant(ctx, sid, "bob")
		return err == nil && !p.Connected
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRelay_RemoteEndingMessagesClearMemberships(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	relay := &loopRelay{}
	require.NoError(t, f.hub.UseRelay(relay))

	ctx := context.Background()
	created, err := f.svc.Create(ctx, "alice", decimal.NewFromInt(10), 4)
	require.NoError(t, err)
	sid := created.Session.ID

	alice := f.dial(t, "alice")
	send(t, alice, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, alice, MsgGameState)
	bob := f.dial(t, "bob")
	send(t, bob, map[string]any{"type": MsgJoinGame, "session_id": sid})
	expect(t, bob, MsgGameState)

	// Messages published by another instance arrive only through the subscription.
	remote := func(msg Outbound) {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		relay.mu.Lock()
		h := relay.handler
		relay.mu.Unlock()
		h(sid, data)
	}

	remote(Outbound{Type: MsgPlayerLeft, SessionID: sid, UserID: "bob"})
	msg := expect(t, alice, MsgPlayerLeft)
	assert.Equal(t, "bob", msg.UserID)
	assert.Equal(t, 0, f.memberships("bob"))
	assert.Equal(t, 1, f.memberships("alice"))

	remote(Outbound{Type: MsgGameEnded, SessionID: sid})
	expect(t, alice, MsgGameEnded)
	assert.Equal(t, 0, f.memberships("alice"))
}
