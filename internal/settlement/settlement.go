// Package settlement splits a completed session's pool between the
// developer, the session creator and the winner. Settlement runs at most
// once per session: the settlements row is unique by session id and every
// split is written in the same transaction as that row.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/metrics"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Shares is the division of one pool.
type Shares struct {
	Pool      decimal.Decimal
	Developer decimal.Decimal
	Creator   decimal.Decimal
	Winner    decimal.Decimal
}

// Split divides pool by the given percentages. The developer and creator
// shares are rounded down to the cent and the winner takes the remainder,
// so the three always add up to pool exactly.
func Split(pool, developerPct, creatorPct decimal.Decimal) Shares {
	dev := pool.Mul(developerPct).Div(hundred).RoundFloor(model.MoneyScale)
	creator := pool.Mul(creatorPct).Div(hundred).RoundFloor(model.MoneyScale)
	return Shares{
		Pool:      pool,
		Developer: dev,
		Creator:   creator,
		Winner:    pool.Sub(dev).Sub(creator),
	}
}

// Engine settles completed sessions.
type Engine struct {
	store       store.Store
	ledger      *ledger.Ledger
	clock       clockwork.Clock
	developerID string
	events      events.Publisher
}

// NewEngine creates a settlement engine. developerID is the ledger account
// that receives the developer share.
func NewEngine(st store.Store, l *ledger.Ledger, clock clockwork.Clock, developerID string, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{store: st, ledger: l, clock: clock, developerID: developerID, events: pub}
}

// Settle settles the session in its own transaction. Calling it again for
// a settled session returns the original settlement and writes nothing.
func (e *Engine) Settle(ctx context.Context, sessionID string) (*model.Settlement, error) {
	start := time.Now()
	var (
		result  *model.Settlement
		created bool
		batch   events.Batch
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		batch.Discard()
		var err error
		result, created, err = e.SettleTx(ctx, tx, sessionID, &batch)
		return err
	})
	if err != nil {
		slog.Error("settlement failed", "session_id", sessionID, "error", err)
		return nil, err
	}
	if created {
		metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	}
	batch.Flush(ctx, e.events)
	return result, nil
}

// SettleTx settles inside the caller's transaction. The boolean reports
// whether this call did the work (false when already settled). Any error
// means the caller must roll back.
func (e *Engine) SettleTx(ctx context.Context, tx store.Tx, sessionID string, batch *events.Batch) (*model.Settlement, bool, error) {
	sess, err := tx.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if sess.Status != model.StatusCompleted {
		return nil, false, apperr.ErrSessionNotCompleted
	}

	existing, err := tx.GetSettlement(ctx, sessionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	settings, err := config.LoadSettings(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	pool, err := collectedPool(ctx, tx, sessionID)
	if err != nil {
		return nil, false, err
	}
	shares := Split(pool, settings.DeveloperSplitPct, settings.CreatorSplitPct)

	now := e.clock.Now().UTC()
	endedAt := now
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.UTC()
	}
	result := &model.Settlement{
		SessionID:      sessionID,
		Pool:           shares.Pool,
		DeveloperShare: shares.Developer,
		CreatorShare:   shares.Creator,
		WinnerShare:    shares.Winner,
		SettledAt:      now,
	}
	meta := map[string]string{"pool": shares.Pool.StringFixed(model.MoneyScale)}
	mode := settings.WinnerMode

	if err := e.ensureAccount(ctx, tx, e.developerID, now); err != nil {
		return nil, false, err
	}
	if err := e.credit(ctx, tx, e.developerID, sessionID, shares.Developer, model.TxDeveloperSplit, meta); err != nil {
		return nil, false, err
	}
	if err := e.credit(ctx, tx, sess.CreatorID, sessionID, shares.Creator, model.TxCreatorSplit, meta); err != nil {
		return nil, false, err
	}

	if mode == config.WinnerPerDay {
		err := tx.AddToPrizePool(ctx, model.DayKey(endedAt), shares.Winner)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrConditionFailed):
			// The session's day closed before it settled; pay the session winner instead.
			slog.Warn("daily pool already finalized, paying session winner", "session_id", sessionID, "date", model.DayKey(endedAt))
			mode = config.WinnerPerSession
		default:
			return nil, false, fmt.Errorf("accrue daily prize pool: %w", err)
		}
	}
	if mode == config.WinnerPerSession {
		winner, err := sessionWinner(ctx, tx, sessionID)
		if err != nil {
			return nil, false, err
		}
		result.WinnerID = winner
		if err := e.credit(ctx, tx, winner, sessionID, shares.Winner, model.TxPrizePayout, meta); err != nil {
			return nil, false, err
		}
	}

	if err := tx.InsertSettlement(ctx, result); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, false, fmt.Errorf("session %s settled concurrently: %w", sessionID, err)
		}
		return nil, false, err
	}

	metrics.Settlements.WithLabelValues(string(mode)).Inc()
	batch.Add(events.New(events.SettlementCompleted, sessionID, result.WinnerID, now, result))
	slog.Info("session settled",
		"session_id", sessionID,
		"pool", shares.Pool.StringFixed(model.MoneyScale),
		"developer", shares.Developer.StringFixed(model.MoneyScale),
		"creator", shares.Creator.StringFixed(model.MoneyScale),
		"winner", shares.Winner.StringFixed(model.MoneyScale),
		"winner_id", result.WinnerID,
		"mode", string(mode),
	)
	return result, true, nil
}

func (e *Engine) credit(ctx context.Context, tx store.Tx, userID, sessionID string, amount decimal.Decimal, typ model.TransactionType, meta map[string]string) error {
	if !amount.IsPositive() {
		return nil
	}
	_, err := e.ledger.Credit(ctx, tx, ledger.Entry{
		UserID:    userID,
		SessionID: sessionID,
		Amount:    amount,
		Type:      typ,
		Metadata:  meta,
	})
	if err != nil {
		return fmt.Errorf("credit %s to %s: %w", typ, userID, err)
	}
	return nil
}

// ensureAccount creates the house account the first time it is paid.
func (e *Engine) ensureAccount(ctx context.Context, tx store.Tx, userID string, now time.Time) error {
	_, err := tx.GetUser(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return tx.CreateUser(ctx, &model.User{
		ID:             userID,
		DisplayName:    userID,
		LastTokenReset: model.MidnightUTC(now),
		CreatedAt:      now,
	})
}

// collectedPool is what was actually taken from players for the session:
// entry fees minus any refunds already issued.
func collectedPool(ctx context.Context, tx store.Tx, sessionID string) (decimal.Decimal, error) {
	rows, err := tx.ListTransactionsBySession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, r := range rows {
		if r.Status != model.TxCompleted {
			continue
		}
		if r.Type == model.TxEntryFee || r.Type == model.TxRefund {
			net = net.Add(r.Amount)
		}
	}
	return net.Neg(), nil
}

func sessionWinner(ctx context.Context, tx store.Tx, sessionID string) (string, error) {
	participants, err := tx.ListParticipants(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, p := range participants {
		if p.Placement == 1 {
			return p.UserID, nil
		}
	}
	return "", apperr.Internal("settle", fmt.Errorf("session %s has no placement-1 participant", sessionID))
}
