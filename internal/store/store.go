// Package store defines the persistence interface for the race engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every correctness-critical counter (balance, tokens, current players) is
// changed with a conditional update so concurrent instances cannot lose
// updates; callers never read-modify-write those fields themselves.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrConditionFailed is returned when a conditional update matched no row:
	// insufficient balance, no tokens left, full session, illegal transition,
	// a transaction that is no longer pending, or an already finalized day.
	ErrConditionFailed = errors.New("store: condition failed")
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status model.SessionStatus // empty = any
	Limit  int                 // 0 = 100
}

// Tx is the set of operations available inside a transaction. Store
// implements the same set with per-statement autocommit.
type Tx interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	UpdateDisplayName(ctx context.Context, id, name string) error

	// ResetTokens sets the user's tokens to count and last reset to resetAt,
	// but only when the stored last reset is earlier than resetAt. Reports
	// whether the reset was applied.
	ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error)

	// ConsumeToken decrements tokens_remaining if it is positive and returns
	// the remaining count. ErrConditionFailed when none are left.
	ConsumeToken(ctx context.Context, userID string) (int, error)

	// AdjustBalance adds delta to the running balance if the result stays
	// non-negative, returning the new balance. ErrConditionFailed otherwise.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	// --- Immutable ledger ---

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error)

	// SetTransactionStatus moves a PENDING row to status.
	// ErrConditionFailed if the row is no longer pending.
	SetTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error

	// SetExternalPaymentID attaches the platform's payment id to a row that
	// has none. Setting the same id again is a no-op; ErrConditionFailed if
	// the row already carries a different id, ErrDuplicate if another row
	// owns externalID.
	SetExternalPaymentID(ctx context.Context, id, externalID string, at time.Time) error

	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error)
	ListTransactionsBySession(ctx context.Context, sessionID string) ([]model.Transaction, error)

	// SumCompleted adds up the user's COMPLETED transaction amounts.
	SumCompleted(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Sessions ---

	CreateSession(ctx context.Context, s *model.GameSession) error

	// GetSession loads a session; inside a transaction the row stays locked
	// until commit so lifecycle operations on one session serialize.
	GetSession(ctx context.Context, id string) (*model.GameSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.GameSession, error)

	// TransitionSession moves the session to `to` if its status is one of
	// `from`, stamping the matching timestamp. ErrConditionFailed otherwise.
	TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, at time.Time, reason string) error

	// AddPlayer increments current_players if it is below max_players.
	// Returns the new count; ErrConditionFailed when the session is full.
	AddPlayer(ctx context.Context, sessionID string) (int, error)
	RemovePlayer(ctx context.Context, sessionID string) (int, error)
	SetGameState(ctx context.Context, sessionID string, state json.RawMessage) error

	// --- Participants ---

	// InsertParticipant assigns p.Seq. ErrDuplicate if the pair exists.
	InsertParticipant(ctx context.Context, p *model.Participant) error
	GetParticipant(ctx context.Context, sessionID, userID string) (*model.Participant, error)

	// ListParticipants returns participants in join order.
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)
	DeleteParticipant(ctx context.Context, sessionID, userID string) error
	UpdateParticipantResult(ctx context.Context, p *model.Participant) error
	SetParticipantConnected(ctx context.Context, sessionID, userID string, connected bool, at time.Time) error

	// --- Settlement ---

	// InsertSettlement records that a session was settled.
	// ErrDuplicate if it already was.
	InsertSettlement(ctx context.Context, s *model.Settlement) error
	GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error)

	// --- Daily leaderboard ---

	// AddLeaderboardResult upserts (date, user): total += score,
	// games += 1, best = max(best, distance).
	AddLeaderboardResult(ctx context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error
	ListLeaderboard(ctx context.Context, date string) ([]model.DailyLeaderboardEntry, error)
	ListLeaderboardRange(ctx context.Context, fromDate, toDate string) ([]model.DailyLeaderboardEntry, error)
	SetLeaderboardRank(ctx context.Context, date, userID string, rank int, prize decimal.Decimal) error

	AddToPrizePool(ctx context.Context, date string, amount decimal.Decimal) error
	GetPrizePool(ctx context.Context, date string) (amount decimal.Decimal, finalized bool, err error)

	// FinalizeDay marks the date finalized. ErrConditionFailed if it already is.
	FinalizeDay(ctx context.Context, date string, at time.Time) error

	// ListUnfinalizedDays returns dates before `before` that have leaderboard
	// rows or a prize pool but have not been finalized, oldest first.
	ListUnfinalizedDays(ctx context.Context, before string) ([]string, error)

	// --- Game config ---

	GetConfig(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Tx

	// InTx runs fn inside one database transaction. If fn returns an error
	// nothing it did is kept.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
