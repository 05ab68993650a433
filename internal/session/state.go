package session

import (
	"encoding/json"
	"time"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/model"
)

// Directions a player can steer.
const (
	DirectionLeft     = "left"
	DirectionRight    = "right"
	DirectionStraight = "straight"
)

// Input is one player control message. Nil fields are left unchanged.
type Input struct {
	Direction  *string `json:"direction,omitempty"`
	Accelerate *bool   `json:"accelerate,omitempty"`
}

// PlayerState is the last control state relayed for one player. The race
// itself is simulated by the clients.
type PlayerState struct {
	Direction    string     `json:"direction"`
	Accelerating bool       `json:"accelerating"`
	Connected    bool       `json:"connected"`
	LastInputAt  *time.Time `json:"last_input_at,omitempty"`
}

// GameState is the opaque blob stored on the session row.
type GameState struct {
	SessionID string                 `json:"session_id"`
	Status    model.SessionStatus    `json:"status"`
	Tick      int64                  `json:"tick"`
	Players   map[string]PlayerState `json:"players"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func decodeState(sess *model.GameSession) GameState {
	st := GameState{SessionID: sess.ID, Status: sess.Status, Players: map[string]PlayerState{}}
	if len(sess.GameState) > 0 {
		_ = json.Unmarshal(sess.GameState, &st)
	}
	if st.Players == nil {
		st.Players = map[string]PlayerState{}
	}
	st.Status = sess.Status
	return st
}

func newState(sess *model.GameSession, participants []model.Participant, now time.Time) GameState {
	st := GameState{SessionID: sess.ID, Status: sess.Status, Players: make(map[string]PlayerState, len(participants)), UpdatedAt: now}
	for _, p := range participants {
		st.Players[p.UserID] = PlayerState{Direction: DirectionStraight, Connected: p.Connected}
	}
	return st
}

func (g GameState) encode() json.RawMessage {
	data, _ := json.Marshal(g)
	return data
}

func (in Input) validate() error {
	if in.Direction == nil && in.Accelerate == nil {
		return apperr.Validation("input carries no control change")
	}
	if in.Direction != nil {
		switch *in.Direction {
		case DirectionLeft, DirectionRight, DirectionStraight:
		default:
			return apperr.Validation("direction must be left, right or straight, got %q", *in.Direction)
		}
	}
	return nil
}

func (g *GameState) apply(userID string, in Input, now time.Time) {
	p := g.Players[userID]
	if in.Direction != nil {
		p.Direction = *in.Direction
	}
	if in.Accelerate != nil {
		p.Accelerating = *in.Accelerate
	}
	p.Connected = true
	at := now
	p.LastInputAt = &at
	g.Players[userID] = p
	g.Tick++
	g.UpdatedAt = now
}
