// Package ledger is the append-only record of money movements. Every
// balance change is a Transaction row inserted in the same database
// transaction as the conditional balance update, so the running balance and
// the sum of completed rows never diverge.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

// Entry describes one money movement. Amount is always positive; the
// direction comes from the operation (Debit or Credit).
type Entry struct {
	ID                string // empty assigns a random id
	UserID            string
	SessionID         string
	Amount            decimal.Decimal
	Type              model.TransactionType
	ExternalPaymentID string
	Metadata          map[string]string
}

// Ledger writes transaction rows. Its methods take the store.Tx of the
// enclosing unit of work and never open a transaction of their own.
type Ledger struct {
	clock clockwork.Clock
}

// New creates a ledger that timestamps rows with clock.
func New(clock clockwork.Clock) *Ledger {
	return &Ledger{clock: clock}
}

// Clock returns the clock rows are stamped with.
func (l *Ledger) Clock() clockwork.Clock { return l.clock }

// ValidateAmount checks that amount is positive with at most two fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Truncate(model.MoneyScale)) {
		return apperr.Validation("amount %s has more than %d decimal places", amount, model.MoneyScale)
	}
	return nil
}

// Debit removes e.Amount from the user's balance and records a completed
// negative row. Fails with INSUFFICIENT_CREDITS, carrying the deficit, when
// the balance would go negative; nothing is written in that case.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	if err := ValidateAmount(e.Amount); err != nil {
		return nil, err
	}
	balance, err := tx.AdjustBalance(ctx, e.UserID, e.Amount.Neg())
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		return nil, apperr.InsufficientCredits(e.Amount, balance)
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("debit %s: %w", e.UserID, err)
	}
	return l.insert(ctx, tx, e, e.Amount.Neg(), model.TxCompleted)
}

// Credit adds e.Amount to the user's balance and records a completed row.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	if err := ValidateAmount(e.Amount); err != nil {
		return nil, err
	}
	_, err := tx.AdjustBalance(ctx, e.UserID, e.Amount)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("credit %s: %w", e.UserID, err)
	}
	return l.insert(ctx, tx, e, e.Amount, model.TxCompleted)
}

// Record appends a PENDING row without touching the balance. Complete or
// Fail resolves it later.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	if err := ValidateAmount(e.Amount); err != nil {
		return nil, err
	}
	if _, err := tx.GetUser(ctx, e.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return l.insert(ctx, tx, e, e.Amount, model.TxPending)
}

// Complete moves a pending credit to COMPLETED and applies it to the
// balance. Reports false if the row was already resolved.
func (l *Ledger) Complete(ctx context.Context, tx store.Tx, id string) (*model.Transaction, bool, error) {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, false, err
	}
	err = tx.SetTransactionStatus(ctx, id, model.TxCompleted, l.clock.Now().UTC())
	if errors.Is(err, store.ErrConditionFailed) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.AdjustBalance(ctx, t.UserID, t.Amount); err != nil {
		return nil, false, fmt.Errorf("apply transaction %s: %w", id, err)
	}
	t.Status = model.TxCompleted
	return t, true, nil
}

// Fail moves a pending row to FAILED. Reports false if it was already resolved.
func (l *Ledger) Fail(ctx context.Context, tx store.Tx, id string) (*model.Transaction, bool, error) {
	t, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, false, err
	}
	err = tx.SetTransactionStatus(ctx, id, model.TxFailed, l.clock.Now().UTC())
	if errors.Is(err, store.ErrConditionFailed) {
		return t, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	t.Status = model.TxFailed
	return t, true, nil
}

func (l *Ledger) insert(ctx context.Context, tx store.Tx, e Entry, amount decimal.Decimal, status model.TransactionStatus) (*model.Transaction, error) {
	now := l.clock.Now().UTC()
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := &model.Transaction{
		ID:                id,
		UserID:            e.UserID,
		SessionID:         e.SessionID,
		Amount:            amount,
		Type:              e.Type,
		Status:            status,
		ExternalPaymentID: e.ExternalPaymentID,
		Metadata:          e.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", e.Type, err)
	}
	return t, nil
}

// Balance returns the user's running balance.
func Balance(ctx context.Context, q store.Tx, userID string) (decimal.Decimal, error) {
	u, err := q.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, apperr.ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// History returns the user's transactions, newest first.
func History(ctx context.Context, q store.Tx, userID string, limit int) ([]model.Transaction, error) {
	if limit < 0 || limit > 500 {
		return nil, apperr.Validation("limit must be in [0, 500], got %d", limit)
	}
	if limit == 0 {
		limit = 50
	}
	return q.ListTransactionsByUser(ctx, userID, limit)
}

// Verify checks that the running balance equals the sum of completed rows.
func Verify(ctx context.Context, q store.Tx, userID string) error {
	balance, err := Balance(ctx, q, userID)
	if err != nil {
		return err
	}
	sum, err := q.SumCompleted(ctx, userID)
	if err != nil {
		return err
	}
	if !balance.Equal(sum) {
		return fmt.Errorf("ledger drift for %s: balance %s, completed sum %s", userID, balance, sum)
	}
	return nil
}
