// Package events carries domain events and realtime fanout between server
// instances. Events are collected during a unit of work and published only
// after the database transaction commits.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event. The NATS subject is "race.events.<type>".
type Type string

const (
	SessionCreated       Type = "session.created"
	SessionStarting      Type = "session.starting"
	SessionStarted       Type = "session.started"
	SessionCompleted     Type = "session.completed"
	SessionCancelled     Type = "session.cancelled"
	PlayerJoined         Type = "player.joined"
	PlayerLeft           Type = "player.left"
	PlayerConnection     Type = "player.connection"
	SettlementCompleted  Type = "settlement.completed"
	LeaderboardFinalized Type = "leaderboard.finalized"
)

// Event is the envelope published for every domain event.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event, encoding payload as JSON.
func New(typ Type, sessionID, userID string, at time.Time, payload any) Event {
	e := Event{
		ID:        uuid.New().String(),
		Type:      typ,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: at.UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

// Publisher delivers domain events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event. Used when no message bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes each event to every publisher in turn and returns the
// first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Batch holds events raised inside a transaction until it commits.
type Batch struct {
	events []Event
}

// Add queues e.
func (b *Batch) Add(e Event) {
	b.events = append(b.events, e)
}

// Events returns the queued events in order.
func (b *Batch) Events() []Event {
	return b.events
}

// Flush publishes every queued event and empties the batch. Publish
// failures are logged; durable state is already committed.
func (b *Batch) Flush(ctx context.Context, pub Publisher) {
	for _, e := range b.events {
		if err := pub.Publish(ctx, e); err != nil {
			slog.Warn("publish event failed", "type", e.Type, "session_id", e.SessionID, "error", err)
		}
	}
	b.events = b.events[:0]
}

// Discard drops the queued events after a rollback.
func (b *Batch) Discard() {
	b.events = b.events[:0]
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
