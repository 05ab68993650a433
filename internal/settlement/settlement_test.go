package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSplit_SumsToPoolForEveryFee(t *testing.T) {
	pcts := [][2]string{{"25", "25"}, {"33", "33"}, {"10", "15"}, {"0", "0"}}
	for _, pct := range pcts {
		devPct, creatorPct := d(pct[0]), d(pct[1])
		for cents := int64(100); cents <= 10000; cents++ {
			fee := decimal.New(cents, -2)
			for players := int64(1); players <= 8; players++ {
				pool := fee.Mul(decimal.NewFromInt(players))
				s := Split(pool, devPct, creatorPct)
				sum := s.Developer.Add(s.Creator).Add(s.Winner)
				if !sum.Equal(pool) {
					t.Fatalf("split of %s (%s/%s) sums to %s", pool, pct[0], pct[1], sum)
				}
				if s.Winner.IsNegative() || s.Developer.GreaterThan(s.Winner) && pct[0] == "25" {
					t.Fatalf("unexpected shares for %s: %+v", pool, s)
				}
				if s.Developer.Exponent() < -2 || s.Creator.Exponent() < -2 || !s.Winner.Equal(s.Winner.Truncate(2)) {
					t.Fatalf("sub-cent share for %s: %+v", pool, s)
				}
			}
		}
	}
}

func TestSplit_WinnerAbsorbsRemainder(t *testing.T) {
	s := Split(d("1.01"), d("25"), d("25"))
	assert.Equal(t, "0.25", s.Developer.StringFixed(2))
	assert.Equal(t, "0.25", s.Creator.StringFixed(2))
	assert.Equal(t, "0.51", s.Winner.StringFixed(2))
}

// fixture builds a COMPLETED session whose players paid fee each.
type fixture struct {
	st     *store.MemoryStore
	clock  *clockwork.FakeClock
	ledger *ledger.Ledger
	engine *Engine
	events *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	l := ledger.New(clock)
	rec := &events.Recorder{}
	return &fixture{st: st, clock: clock, ledger: l, events: rec, engine: NewEngine(st, l, clock, "developer", rec)}
}

func (f *fixture) completedSession(t *testing.T, fee string, scores map[string]int) {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		ended := now
		if err := tx.CreateSession(ctx, &model.GameSession{
			ID: "s1", CreatorID: "alice", EntryFee: d(fee), MaxPlayers: 8,
			CurrentPlayers: len(scores), Status: model.StatusCompleted, CreatedAt: now, EndedAt: &ended,
		}); err != nil {
			return err
		}
		for _, uid := range []string{"alice", "bob", "carol"} {
			placement, ok := scores[uid]
			if !ok {
				continue
			}
			if err := tx.CreateUser(ctx, &model.User{ID: uid, LastTokenReset: model.MidnightUTC(now)}); err != nil {
				return err
			}
			if _, err := f.ledger.Credit(ctx, tx, ledger.Entry{UserID: uid, Amount: d("50.00"), Type: model.TxCreditPurchase}); err != nil {
				return err
			}
			if _, err := f.ledger.Debit(ctx, tx, ledger.Entry{UserID: uid, SessionID: "s1", Amount: d(fee), Type: model.TxEntryFee}); err != nil {
				return err
			}
			p := &model.Participant{SessionID: "s1", UserID: uid, PaidAmount: d(fee), JoinedAt: now}
			if err := tx.InsertParticipant(ctx, p); err != nil {
				return err
			}
			p.Placement = placement
			if err := tx.UpdateParticipantResult(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))
}

func splitRows(t *testing.T, st store.Store) []model.Transaction {
	t.Helper()
	rows, err := st.ListTransactionsBySession(context.Background(), "s1")
	require.NoError(t, err)
	var out []model.Transaction
	for _, r := range rows {
		switch r.Type {
		case model.TxDeveloperSplit, model.TxCreatorSplit, model.TxPrizePayout:
			out = append(out, r)
		}
	}
	return out
}

func balance(t *testing.T, st store.Store, uid string) string {
	t.Helper()
	b, err := ledger.Balance(context.Background(), st, uid)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func TestSettle_TwoPlayerScenario(t *testing.T) {
	f := newFixture(t)
	f.completedSession(t, "10.00", map[string]int{"alice": 2, "bob": 1})

	res, err := f.engine.Settle(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, "20.00", res.Pool.StringFixed(2))
	assert.Equal(t, "5.00", res.DeveloperShare.StringFixed(2))
	assert.Equal(t, "5.00", res.CreatorShare.StringFixed(2))
	assert.Equal(t, "10.00", res.WinnerShare.StringFixed(2))
	assert.Equal(t, "bob", res.WinnerID)

	rows := splitRows(t, f.st)
	require.Len(t, rows, 3)
	byType := map[model.TransactionType]model.Transaction{}
	for _, r := range rows {
		byType[r.Type] = r
	}
	assert.Equal(t, "developer", byType[model.TxDeveloperSplit].UserID)
	assert.Equal(t, "alice", byType[model.TxCreatorSplit].UserID)
	assert.Equal(t, "bob", byType[model.TxPrizePayout].UserID)
	assert.Equal(t, "10.00", byType[model.TxPrizePayout].Amount.StringFixed(2))

	assert.Equal(t, "5.00", balance(t, f.st, "developer"))
	assert.Equal(t, "45.00", balance(t, f.st, "alice"))
	assert.Equal(t, "50.00", balance(t, f.st, "bob"))
	for _, uid := range []string{"developer", "alice", "bob"} {
		require.NoError(t, ledger.Verify(context.Background(), f.st, uid))
	}
	assert.Len(t, f.events.OfType(events.SettlementCompleted), 1)
}

func TestSettle_TwiceWritesOneSetOfSplits(t *testing.T) {
	f := newFixture(t)
	f.completedSession(t, "10.00", map[string]int{"alice": 1, "bob": 2})

	first, err := f.engine.Settle(context.Background(), "s1")
	require.NoError(t, err)
	second, err := f.engine.Settle(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, first.SettledAt, second.SettledAt)
	assert.Len(t, splitRows(t, f.st), 3)
	assert.Equal(t, "5.00", balance(t, f.st, "developer"))
	assert.Len(t, f.events.OfType(events.SettlementCompleted), 1)
}

func TestSettle_RejectsUnfinishedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateSession(ctx, &model.GameSession{ID: "s2", CreatorID: "alice", EntryFee: d("1.00"), MaxPlayers: 2, Status: model.StatusActive}))

	_, err := f.engine.Settle(ctx, "s2")
	assert.ErrorIs(t, err, apperr.ErrSessionNotCompleted)

	_, err = f.engine.Settle(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestSettle_PoolIsWhatWasCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completedSession(t, "10.00", map[string]int{"alice": 1, "bob": 2, "carol": 3})

	// carol was refunded before completion.
	require.NoError(t, f.st.InTx(ctx, func(tx store.Tx) error {
		_, err := f.ledger.Credit(ctx, tx, ledger.Entry{UserID: "carol", SessionID: "s1", Amount: d("10.00"), Type: model.TxRefund})
		return err
	}))

	res, err := f.engine.Settle(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "20.00", res.Pool.StringFixed(2))
}

func TestSettle_DailyModeAccruesWinnerShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetConfig(ctx, config.KeyWinnerMode, string(config.WinnerPerDay)))
	f.completedSession(t, "10.00", map[string]int{"alice": 1, "bob": 2})

	res, err := f.engine.Settle(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, res.WinnerID)
	assert.Len(t, splitRows(t, f.st), 2)

	pool, finalized, err := f.st.GetPrizePool(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.False(t, finalized)
	assert.Equal(t, "10.00", pool.StringFixed(2))
}

func TestSettle_DailyModeFallsBackWhenDayClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetConfig(ctx, config.KeyWinnerMode, string(config.WinnerPerDay)))
	require.NoError(t, f.st.FinalizeDay(ctx, "2025-03-01", f.clock.Now()))
	f.completedSession(t, "10.00", map[string]int{"alice": 2, "bob": 1})

	res, err := f.engine.Settle(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.WinnerID)
	assert.Len(t, splitRows(t, f.st), 3)
}

// failingStore injects a ledger failure on one split type.
type failingStore struct {
	*store.MemoryStore
	failOn model.TransactionType
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Tx) error {
		return fn(&failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	store.Tx
	failOn model.TransactionType
}

func (t *failingTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	if tr.Type == t.failOn {
		return errors.New("ledger unavailable")
	}
	return t.Tx.InsertTransaction(ctx, tr)
}

func TestSettle_AllOrNothing(t *testing.T) {
	for _, failOn := range []model.TransactionType{model.TxCreatorSplit, model.TxPrizePayout} {
		t.Run(string(failOn), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.completedSession(t, "10.00", map[string]int{"alice": 1, "bob": 2})

			broken := &failingStore{MemoryStore: f.st, failOn: failOn}
			engine := NewEngine(broken, f.ledger, f.clock, "developer", f.events)

			_, err := engine.Settle(ctx, "s1")
			require.Error(t, err)

			assert.Empty(t, splitRows(t, f.st))
			_, err = f.st.GetSettlement(ctx, "s1")
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = f.st.GetUser(ctx, "developer")
			assert.ErrorIs(t, err, store.ErrNotFound, "house account creation rolled back too")
			assert.Equal(t, "40.00", balance(t, f.st, "alice"))
			assert.Empty(t, f.events.Events())

			// A retry against the healthy store succeeds once.
			_, err = f.engine.Settle(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, splitRows(t, f.st), 3)
		})
	}
}
