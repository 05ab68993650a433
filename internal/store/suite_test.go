package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/model"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("users and balance guard", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")

		_, err := st.GetUser(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.CreateUser(ctx, &model.User{ID: "alice", LastTokenReset: epoch}), ErrDuplicate)

		bal, err := st.AdjustBalance(ctx, "alice", d("12.50"))
		require.NoError(t, err)
		assert.Equal(t, "12.50", bal.StringFixed(2))

		_, err = st.AdjustBalance(ctx, "alice", d("-12.51"))
		assert.ErrorIs(t, err, ErrConditionFailed)

		require.NoError(t, st.UpdateDisplayName(ctx, "alice", "Alice"))
		u, err := st.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.DisplayName)
		assert.Equal(t, "12.50", u.Balance.StringFixed(2))
	})

	t.Run("tokens", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")

		for want := 1; want >= 0; want-- {
			n, err := st.ConsumeToken(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		_, err := st.ConsumeToken(ctx, "alice")
		assert.ErrorIs(t, err, ErrConditionFailed)

		next := epoch.Add(24 * time.Hour)
		applied, err := st.ResetTokens(ctx, "alice", 3, next)
		require.NoError(t, err)
		assert.True(t, applied)
		applied, err = st.ResetTokens(ctx, "alice", 3, next)
		require.NoError(t, err)
		assert.False(t, applied, "same reset instant must not refill twice")
	})

	t.Run("rollback discards every write", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")

		boom := errors.New("boom")
		err := st.InTx(ctx, func(tx Tx) error {
			if _, err := tx.AdjustBalance(ctx, "alice", d("5")); err != nil {
				return err
			}
			if _, err := tx.ConsumeToken(ctx, "alice"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		u, err := st.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, u.Balance.IsZero())
		assert.Equal(t, 2, u.TokensRemaining)
	})

	t.Run("transactions", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")

		pending := &model.Transaction{
			ID: uuid.NewString(), UserID: "alice", Amount: d("20"), Type: model.TxCreditPurchase,
			Status: model.TxPending, ExternalPaymentID: "pay_1",
			Metadata: map[string]string{"idempotency_key": "k1"}, CreatedAt: epoch, UpdatedAt: epoch,
		}
		require.NoError(t, st.InsertTransaction(ctx, pending))
		assert.ErrorIs(t, st.InsertTransaction(ctx, pending), ErrDuplicate)

		dupExternal := *pending
		dupExternal.ID = uuid.NewString()
		assert.ErrorIs(t, st.InsertTransaction(ctx, &dupExternal), ErrDuplicate)

		got, err := st.GetTransactionByExternalID(ctx, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, pending.ID, got.ID)
		assert.Equal(t, "k1", got.Metadata["idempotency_key"])

		sum, err := st.SumCompleted(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, sum.IsZero(), "pending rows do not count")

		require.NoError(t, st.SetTransactionStatus(ctx, pending.ID, model.TxCompleted, epoch.Add(time.Minute)))
		assert.ErrorIs(t, st.SetTransactionStatus(ctx, pending.ID, model.TxFailed, epoch.Add(time.Minute)), ErrConditionFailed)

		sum, err = st.SumCompleted(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "20.00", sum.StringFixed(2))

		rows, err := st.ListTransactionsByUser(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, model.TxCompleted, rows[0].Status)

		_, err = st.GetTransaction(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("external payment id attaches once", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")

		a := &model.Transaction{ID: uuid.NewString(), UserID: "alice", Amount: d("5"), Type: model.TxCreditPurchase, Status: model.TxPending, CreatedAt: epoch, UpdatedAt: epoch}
		b := &model.Transaction{ID: uuid.NewString(), UserID: "alice", Amount: d("5"), Type: model.TxCreditPurchase, Status: model.TxPending, CreatedAt: epoch, UpdatedAt: epoch}
		require.NoError(t, st.InsertTransaction(ctx, a))
		require.NoError(t, st.InsertTransaction(ctx, b))

		require.NoError(t, st.SetExternalPaymentID(ctx, a.ID, "pay_a", epoch))
		require.NoError(t, st.SetExternalPaymentID(ctx, a.ID, "pay_a", epoch), "same id again is a no-op")
		assert.ErrorIs(t, st.SetExternalPaymentID(ctx, a.ID, "pay_other", epoch), ErrConditionFailed)
		assert.ErrorIs(t, st.SetExternalPaymentID(ctx, b.ID, "pay_a", epoch), ErrDuplicate)
		assert.ErrorIs(t, st.SetExternalPaymentID(ctx, "missing", "pay_x", epoch), ErrNotFound)

		got, err := st.GetTransactionByExternalID(ctx, "pay_a")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")
		seedUser(t, st, "bob")

		gs := &model.GameSession{
			ID: uuid.NewString(), CreatorID: "alice", EntryFee: d("10"), MaxPlayers: 1,
			Status: model.StatusWaiting, CreatedAt: epoch,
		}
		require.NoError(t, st.CreateSession(ctx, gs))

		n, err := st.AddPlayer(ctx, gs.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = st.AddPlayer(ctx, gs.ID)
		assert.ErrorIs(t, err, ErrConditionFailed, "capacity is enforced by the store")

		a := &model.Participant{SessionID: gs.ID, UserID: "alice", PaidAmount: d("10"), Connected: true, JoinedAt: epoch}
		require.NoError(t, st.InsertParticipant(ctx, a))
		assert.ErrorIs(t, st.InsertParticipant(ctx, &model.Participant{SessionID: gs.ID, UserID: "alice", JoinedAt: epoch}), ErrDuplicate)
		b := &model.Participant{SessionID: gs.ID, UserID: "bob", PaidAmount: d("10"), Connected: true, JoinedAt: epoch}
		require.NoError(t, st.InsertParticipant(ctx, b))
		assert.Greater(t, b.Seq, a.Seq)

		ps, err := st.ListParticipants(ctx, gs.ID)
		require.NoError(t, err)
		require.Len(t, ps, 2)
		assert.Equal(t, "alice", ps[0].UserID)

		require.NoError(t, st.SetParticipantConnected(ctx, gs.ID, "bob", false, epoch.Add(time.Second)))
		p, err := st.GetParticipant(ctx, gs.ID, "bob")
		require.NoError(t, err)
		assert.False(t, p.Connected)
		require.NotNil(t, p.DisconnectedAt)

		require.NoError(t, st.DeleteParticipant(ctx, gs.ID, "bob"))
		_, err = st.GetParticipant(ctx, gs.ID, "bob")
		assert.ErrorIs(t, err, ErrNotFound)

		err = st.TransitionSession(ctx, gs.ID, []model.SessionStatus{model.StatusStarting}, model.StatusActive, epoch, "")
		assert.ErrorIs(t, err, ErrConditionFailed)
		require.NoError(t, st.TransitionSession(ctx, gs.ID, []model.SessionStatus{model.StatusWaiting}, model.StatusStarting, epoch, ""))
		require.NoError(t, st.TransitionSession(ctx, gs.ID, []model.SessionStatus{model.StatusStarting}, model.StatusActive, epoch, ""))
		require.NoError(t, st.SetGameState(ctx, gs.ID, json.RawMessage(`{"tick":1}`)))

		got, err := st.GetSession(ctx, gs.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusActive, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.JSONEq(t, `{"tick":1}`, string(got.GameState))

		active, err := st.ListSessions(ctx, SessionFilter{Status: model.StatusActive})
		require.NoError(t, err)
		require.Len(t, active, 1)
		waiting, err := st.ListSessions(ctx, SessionFilter{Status: model.StatusWaiting})
		require.NoError(t, err)
		assert.Empty(t, waiting)

		require.NoError(t, st.TransitionSession(ctx, gs.ID, []model.SessionStatus{model.StatusActive}, model.StatusCompleted, epoch, ""))
		set := &model.Settlement{SessionID: gs.ID, Pool: d("10"), DeveloperShare: d("2.5"), CreatorShare: d("2.5"), WinnerShare: d("5"), WinnerID: "alice", SettledAt: epoch}
		require.NoError(t, st.InsertSettlement(ctx, set))
		assert.ErrorIs(t, st.InsertSettlement(ctx, set), ErrDuplicate)
		s, err := st.GetSettlement(ctx, gs.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", s.WinnerID)
	})

	t.Run("concurrent joins respect capacity", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")
		gs := &model.GameSession{ID: uuid.NewString(), CreatorID: "alice", EntryFee: d("1"), MaxPlayers: 3, Status: model.StatusWaiting, CreatedAt: epoch}
		require.NoError(t, st.CreateSession(ctx, gs))

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			joined int
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.InTx(ctx, func(tx Tx) error {
					_, err := tx.AddPlayer(ctx, gs.ID)
					return err
				})
				if err == nil {
					mu.Lock()
					joined++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 3, joined)
	})

	t.Run("leaderboard and prize pool", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		seedUser(t, st, "alice")
		seedUser(t, st, "bob")
		const day = "2025-03-01"

		require.NoError(t, st.AddLeaderboardResult(ctx, day, "alice", 100, d("50"), epoch))
		require.NoError(t, st.AddLeaderboardResult(ctx, day, "alice", 200, d("40"), epoch.Add(time.Minute)))
		require.NoError(t, st.AddLeaderboardResult(ctx, day, "bob", 50, d("10"), epoch))
		require.NoError(t, st.AddLeaderboardResult(ctx, "2025-03-02", "bob", 70, d("10"), epoch))

		rows, err := st.ListLeaderboard(ctx, day)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		var alice model.DailyLeaderboardEntry
		for _, r := range rows {
			if r.UserID == "alice" {
				alice = r
			}
		}
		assert.Equal(t, int64(300), alice.TotalScore)
		assert.Equal(t, 2, alice.GamesPlayed)
		assert.Equal(t, "50.00", alice.BestDistance.StringFixed(2))

		ranged, err := st.ListLeaderboardRange(ctx, day, "2025-03-02")
		require.NoError(t, err)
		assert.Len(t, ranged, 3)

		require.NoError(t, st.AddToPrizePool(ctx, day, d("2.50")))
		require.NoError(t, st.AddToPrizePool(ctx, day, d("2.50")))
		pool, finalized, err := st.GetPrizePool(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, "5.00", pool.StringFixed(2))
		assert.False(t, finalized)

		days, err := st.ListUnfinalizedDays(ctx, "2025-03-02")
		require.NoError(t, err)
		assert.Equal(t, []string{day}, days)

		require.NoError(t, st.SetLeaderboardRank(ctx, day, "alice", 1, d("5")))
		require.NoError(t, st.FinalizeDay(ctx, day, epoch.Add(24*time.Hour)))
		assert.ErrorIs(t, st.FinalizeDay(ctx, day, epoch.Add(24*time.Hour)), ErrConditionFailed)

		_, finalized, err = st.GetPrizePool(ctx, day)
		require.NoError(t, err)
		assert.True(t, finalized)
		days, err = st.ListUnfinalizedDays(ctx, "2025-03-02")
		require.NoError(t, err)
		assert.Empty(t, days)
	})

	t.Run("config", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.SetConfig(ctx, "daily_token_count", "5"))
		require.NoError(t, st.SetConfig(ctx, "daily_token_count", "6"))
		cfg, err := st.GetConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "6", cfg["daily_token_count"])

		cfg["daily_token_count"] = "99"
		again, err := st.GetConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "6", again["daily_token_count"], "callers get a copy")
	})
}

func seedUser(t *testing.T, st Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{
		ID: id, Balance: decimal.Zero, TokensRemaining: 2, LastTokenReset: epoch, CreatedAt: epoch,
	}))
}
