// Package payments records credit purchases made through the platform and
// resolves them when the platform reports the outcome. Real money movement
// happens on the platform; this package only keeps the ledger in step.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/platform"
	"github.com/whopracer/race-engine/internal/store"
)

// chargeNamespace derives stable transaction ids from idempotency keys.
var chargeNamespace = uuid.MustParse("6f1c1c7e-3f8e-4b8a-9a35-55c0f2b7d0a1")

// MaxCharge bounds a single credit purchase.
var MaxCharge = decimal.NewFromInt(1000)

// Service handles balance queries, charges and platform webhooks.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	platform platform.Client
	clock    clockwork.Clock
}

// NewService creates a payments service.
func NewService(st store.Store, l *ledger.Ledger, pc platform.Client) *Service {
	return &Service{store: st, ledger: l, platform: pc, clock: l.Clock()}
}

// Balance returns the user's running balance.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return ledger.Balance(ctx, s.store, userID)
}

// History returns the user's transactions, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return ledger.History(ctx, s.store, userID, limit)
}

// ChargeID is the transaction id of userID's purchase under idempotencyKey.
func ChargeID(userID, idempotencyKey string) string {
	return uuid.NewSHA1(chargeNamespace, []byte(userID+":"+idempotencyKey)).String()
}

// Charge buys amount of credits for userID. A PENDING CREDIT_PURCHASE row is
// committed before the platform is called, so a webhook that beats the
// charge response still finds it. The platform's answer then completes and
// credits the row, fails it on a decline, or leaves it pending for the
// webhook. Repeating a key returns the same row; a row left pending without
// a payment id by an earlier platform error is charged again under the
// same key.
func (s *Service) Charge(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey string) (*model.Transaction, error) {
	if idempotencyKey == "" {
		return nil, apperr.Validation("idempotency key is required")
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(MaxCharge) {
		return nil, apperr.Validation("amount must not exceed %s", MaxCharge.StringFixed(2))
	}

	id := ChargeID(userID, idempotencyKey)
	pending, err := s.recordPending(ctx, id, userID, amount, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if pending.Status != model.TxPending || pending.ExternalPaymentID != "" {
		return pending, nil
	}

	res, err := s.platform.Charge(ctx, userID, amount, idempotencyKey)
	if err != nil {
		slog.Warn("platform charge failed, purchase left pending", "user_id", userID, "transaction_id", id, "err", err)
		return nil, apperr.Internal("platform charge", err)
	}

	var out *model.Transaction
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.resolve(ctx, tx, id, res.PaymentID, res.Status)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("credit purchase recorded",
		"user_id", userID,
		"amount", amount.StringFixed(2),
		"payment_id", res.PaymentID,
		"status", out.Status,
	)
	return out, nil
}

// recordPending returns the purchase row for id, creating it as PENDING
// when it does not exist yet.
func (s *Service) recordPending(ctx context.Context, id, userID string, amount decimal.Decimal, idempotencyKey string) (*model.Transaction, error) {
	if existing, err := s.store.GetTransaction(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var out *model.Transaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.ledger.Record(ctx, tx, ledger.Entry{
			ID:       id,
			UserID:   userID,
			Amount:   amount,
			Type:     model.TxCreditPurchase,
			Metadata: map[string]string{platform.MetaIdempotencyKey: idempotencyKey},
		})
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request with the same key got there first.
		return s.store.GetTransaction(ctx, id)
	}
	return out, err
}

// resolve attaches paymentID to the purchase row and applies the platform
// status. A row already resolved by a webhook is returned unchanged.
func (s *Service) resolve(ctx context.Context, tx store.Tx, id, paymentID, status string) (*model.Transaction, error) {
	if paymentID != "" {
		err := tx.SetExternalPaymentID(ctx, id, paymentID, s.clock.Now().UTC())
		if errors.Is(err, store.ErrConditionFailed) || errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Internal("attach payment "+paymentID, err)
		}
		if err != nil {
			return nil, err
		}
	}
	var err error
	switch status {
	case platform.ChargeSucceeded:
		_, _, err = s.ledger.Complete(ctx, tx, id)
	case platform.ChargeFailed:
		_, _, err = s.ledger.Fail(ctx, tx, id)
	}
	if err != nil {
		return nil, err
	}
	return tx.GetTransaction(ctx, id)
}

// HandleWebhook resolves the purchase named by ev. The row is found by the
// platform payment id, or by the user and idempotency key echoed in the
// event metadata when the charge call has not returned yet. A payment that
// matches no row yet fails with PAYMENT_NOT_RECORDED so the platform
// redelivers it. Replays are no-ops; the boolean reports whether a row
// changed.
func (s *Service) HandleWebhook(ctx context.Context, ev *platform.WebhookEvent) (bool, error) {
	if ev.Data.PaymentID == "" {
		return false, apperr.Validation("webhook has no payment id")
	}
	var status string
	switch ev.Type {
	case platform.EventPaymentSucceeded:
		status = platform.ChargeSucceeded
	case platform.EventPaymentFailed:
		status = platform.ChargeFailed
	default:
		slog.Info("ignoring webhook", "type", ev.Type)
		return false, nil
	}

	var applied bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		id, err := s.webhookTarget(ctx, tx, ev)
		if err != nil {
			return err
		}
		before, err := tx.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		after, err := s.resolve(ctx, tx, id, ev.Data.PaymentID, status)
		if err != nil {
			return err
		}
		applied = before.Status != after.Status
		return nil
	})
	if errors.Is(err, apperr.ErrPaymentNotRecorded) {
		slog.Warn("webhook for unknown payment", "payment_id", ev.Data.PaymentID, "type", ev.Type)
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("webhook %s: %w", ev.Data.PaymentID, err)
	}
	if applied {
		slog.Info("payment resolved", "payment_id", ev.Data.PaymentID, "type", ev.Type)
	}
	return applied, nil
}

func (s *Service) webhookTarget(ctx context.Context, tx store.Tx, ev *platform.WebhookEvent) (string, error) {
	t, err := tx.GetTransactionByExternalID(ctx, ev.Data.PaymentID)
	if err == nil {
		return t.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	userID, key := ev.Data.Metadata[platform.MetaUserID], ev.Data.Metadata[platform.MetaIdempotencyKey]
	if userID == "" || key == "" {
		return "", apperr.ErrPaymentNotRecorded
	}
	id := ChargeID(userID, key)
	if _, err := tx.GetTransaction(ctx, id); errors.Is(err, store.ErrNotFound) {
		return "", apperr.ErrPaymentNotRecorded
	} else if err != nil {
		return "", err
	}
	return id, nil
}
