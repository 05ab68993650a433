// Package tokens implements the per-user daily play allowance. Resets are
// applied lazily on the first access after UTC midnight, which is
// observably the same as a cron job firing at exactly 00:00 UTC.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

// Status is a snapshot of a user's allowance.
type Status struct {
	Remaining int       `json:"tokens_remaining"`
	DailyCap  int       `json:"daily_cap"`
	LastReset time.Time `json:"last_reset"`
	NextReset time.Time `json:"next_reset"`
}

// Gate consumes and resets tokens inside the caller's transaction.
type Gate struct {
	clock clockwork.Clock
}

// NewGate creates a gate that reads the time from clock.
func NewGate(clock clockwork.Clock) *Gate {
	return &Gate{clock: clock}
}

// refresh applies the daily reset if the user's last reset is before
// today's UTC midnight. The conditional update makes concurrent refreshes
// collapse into one; the loser re-reads the row the winner committed.
func (g *Gate) refresh(ctx context.Context, tx store.Tx, u *model.User, dailyCap int) (*model.User, bool, error) {
	now := g.clock.Now().UTC()
	if now.Before(model.NextMidnightUTC(u.LastTokenReset)) {
		return u, false, nil
	}
	midnight := model.MidnightUTC(now)
	applied, err := tx.ResetTokens(ctx, u.ID, dailyCap, midnight)
	if err != nil {
		return nil, false, fmt.Errorf("reset tokens: %w", err)
	}
	if !applied {
		fresh, err := g.get(ctx, tx, u.ID)
		return fresh, false, err
	}
	u.TokensRemaining = dailyCap
	u.LastTokenReset = midnight
	return u, true, nil
}

func (g *Gate) get(ctx context.Context, tx store.Tx, userID string) (*model.User, error) {
	u, err := tx.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrUserNotFound
	}
	return u, err
}

func (g *Gate) load(ctx context.Context, tx store.Tx, userID string, dailyCap int) (*model.User, bool, error) {
	u, err := g.get(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}
	return g.refresh(ctx, tx, u, dailyCap)
}

// Consume takes one token, resetting first if a UTC midnight has passed.
// Fails with NO_TOKENS_REMAINING when none are left. The conditional
// decrement decides, not the count read before it.
func (g *Gate) Consume(ctx context.Context, tx store.Tx, userID string, dailyCap int) (int, error) {
	if _, _, err := g.load(ctx, tx, userID, dailyCap); err != nil {
		return 0, err
	}
	remaining, err := tx.ConsumeToken(ctx, userID)
	if errors.Is(err, store.ErrConditionFailed) {
		return 0, apperr.ErrNoTokens
	}
	if err != nil {
		return 0, fmt.Errorf("consume token: %w", err)
	}
	return remaining, nil
}

// Status returns the user's allowance after applying any pending reset.
func (g *Gate) Status(ctx context.Context, tx store.Tx, userID string, dailyCap int) (Status, error) {
	st, _, err := g.Reset(ctx, tx, userID, dailyCap)
	return st, err
}

// Reset applies today's reset if it has not happened yet and reports
// whether it did. Calling it again the same UTC day is a no-op.
func (g *Gate) Reset(ctx context.Context, tx store.Tx, userID string, dailyCap int) (Status, bool, error) {
	u, applied, err := g.load(ctx, tx, userID, dailyCap)
	if err != nil {
		return Status{}, false, err
	}
	return snapshot(u, dailyCap), applied, nil
}

func snapshot(u *model.User, dailyCap int) Status {
	return Status{
		Remaining: u.TokensRemaining,
		DailyCap:  dailyCap,
		LastReset: u.LastTokenReset,
		NextReset: model.NextMidnightUTC(u.LastTokenReset),
	}
}
