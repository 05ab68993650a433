// Package model defines the core domain types shared across the race engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept for currency amounts.
const MoneyScale int32 = 2

// SessionStatus is the lifecycle state of a race room.
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "WAITING"
	StatusStarting  SessionStatus = "STARTING"
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to SessionStatus) bool {
	switch to {
	case StatusStarting:
		return from == StatusWaiting
	case StatusActive:
		return from == StatusStarting
	case StatusCompleted:
		return from == StatusActive
	case StatusCancelled:
		return !from.Terminal()
	}
	return false
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxEntryFee       TransactionType = "ENTRY_FEE"
	TxPrizePayout    TransactionType = "PRIZE_PAYOUT"
	TxDeveloperSplit TransactionType = "DEVELOPER_SPLIT"
	TxCreatorSplit   TransactionType = "CREATOR_SPLIT"
	TxRefund         TransactionType = "REFUND"
	TxCreditPurchase TransactionType = "CREDIT_PURCHASE"
)

// TransactionStatus is the settlement state of a ledger row. Only
// pending → completed and pending → failed are legal status changes.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// User is a player account. Balance is only ever changed together with a
// Transaction insert in the same database transaction.
type User struct {
	ID              string          `json:"id" db:"id"`
	DisplayName     string          `json:"display_name" db:"display_name"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	TokensRemaining int             `json:"tokens_remaining" db:"tokens_remaining"`
	LastTokenReset  time.Time       `json:"last_token_reset" db:"last_token_reset"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// GameSession is one race room.
type GameSession struct {
	ID             string          `json:"id" db:"id"`
	CreatorID      string          `json:"creator_id" db:"creator_id"`
	EntryFee       decimal.Decimal `json:"entry_fee" db:"entry_fee"`
	MaxPlayers     int             `json:"max_players" db:"max_players"`
	CurrentPlayers int             `json:"current_players" db:"current_players"`
	Status         SessionStatus   `json:"status" db:"status"`
	GameState      json.RawMessage `json:"game_state,omitempty" db:"game_state"`
	CancelReason   string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	StartingAt     *time.Time      `json:"starting_at,omitempty" db:"starting_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
}

// Participant is the (session, user) membership row.
type Participant struct {
	SessionID        string          `json:"session_id" db:"session_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Seq              int64           `json:"seq" db:"seq"` // join order, assigned by the store
	PaidAmount       decimal.Decimal `json:"paid_amount" db:"paid_amount"`
	Score            int64           `json:"score" db:"score"`
	DistanceTraveled decimal.Decimal `json:"distance_traveled" db:"distance_traveled"`
	SurvivalTime     decimal.Decimal `json:"survival_time" db:"survival_time"` // seconds
	Placement        int             `json:"placement,omitempty" db:"placement"`
	Connected        bool            `json:"connected" db:"connected"`
	DisconnectedAt   *time.Time      `json:"disconnected_at,omitempty" db:"disconnected_at"`
	JoinedAt         time.Time       `json:"joined_at" db:"joined_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// Transaction is an immutable ledger row. Amount is signed: debits are
// negative, credits positive.
type Transaction struct {
	ID                string            `json:"id" db:"id"`
	UserID            string            `json:"user_id" db:"user_id"`
	SessionID         string            `json:"session_id,omitempty" db:"session_id"`
	Amount            decimal.Decimal   `json:"amount" db:"amount"`
	Type              TransactionType   `json:"type" db:"type"`
	Status            TransactionStatus `json:"status" db:"status"`
	ExternalPaymentID string            `json:"external_payment_id,omitempty" db:"external_payment_id"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// DailyLeaderboardEntry aggregates one user's results for one UTC day.
// Date is formatted YYYY-MM-DD.
type DailyLeaderboardEntry struct {
	Date         string          `json:"date" db:"date"`
	UserID       string          `json:"user_id" db:"user_id"`
	TotalScore   int64           `json:"total_score" db:"total_score"`
	GamesPlayed  int             `json:"games_played" db:"games_played"`
	BestDistance decimal.Decimal `json:"best_distance" db:"best_distance"`
	Rank         int             `json:"rank,omitempty" db:"rank"`
	PrizeAmount  decimal.Decimal `json:"prize_amount" db:"prize_amount"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Settlement records the one-time split of a completed session's pool.
type Settlement struct {
	SessionID      string          `json:"session_id" db:"session_id"`
	Pool           decimal.Decimal `json:"pool" db:"pool"`
	DeveloperShare decimal.Decimal `json:"developer_share" db:"developer_share"`
	CreatorShare   decimal.Decimal `json:"creator_share" db:"creator_share"`
	WinnerShare    decimal.Decimal `json:"winner_share" db:"winner_share"`
	WinnerID       string          `json:"winner_id,omitempty" db:"winner_id"` // empty when accrued to the daily pool
	SettledAt      time.Time       `json:"settled_at" db:"settled_at"`
}

// DayKey formats t as the UTC calendar date used for leaderboard rows.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// MidnightUTC returns the start of t's UTC day.
func MidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NextMidnightUTC returns the first UTC midnight strictly after the start of t's day.
func NextMidnightUTC(t time.Time) time.Time {
	return MidnightUTC(t).AddDate(0, 0, 1)
}
