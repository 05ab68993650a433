package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, balance string) (*store.MemoryStore, *Ledger) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, st.CreateUser(context.Background(), &model.User{ID: "u1", LastTokenReset: clock.Now()}))
	l := New(clock)
	if b := d(balance); b.IsPositive() {
		require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
			_, err := l.Credit(context.Background(), tx, Entry{UserID: "u1", Amount: b, Type: model.TxCreditPurchase})
			return err
		}))
	}
	return st, l
}

func TestDebit_ReducesBalanceAndRecordsNegativeRow(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "25.00")

	var row *model.Transaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		row, err = l.Debit(ctx, tx, Entry{UserID: "u1", SessionID: "s1", Amount: d("10.00"), Type: model.TxEntryFee})
		return err
	}))

	assert.True(t, row.Amount.Equal(d("-10.00")))
	assert.Equal(t, model.TxCompleted, row.Status)

	bal, err := Balance(ctx, st, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("15.00")), "balance = %s", bal)
	require.NoError(t, Verify(ctx, st, "u1"))
}

func TestDebit_InsufficientReportsDeficitAndWritesNothing(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "5.00")

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := l.Debit(ctx, tx, Entry{UserID: "u1", Amount: d("10.00"), Type: model.TxEntryFee})
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	e := apperr.From(err)
	require.NotNil(t, e.Deficit)
	assert.Equal(t, "5.00", e.Deficit.StringFixed(2))

	history, err := History(ctx, st, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "only the funding credit exists")
	require.NoError(t, Verify(ctx, st, "u1"))
}

func TestDebit_UnknownUser(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "0")

	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := l.Debit(ctx, tx, Entry{UserID: "ghost", Amount: d("1.00"), Type: model.TxEntryFee})
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(d("0.01")))
	assert.ErrorIs(t, ValidateAmount(d("0")), &apperr.Error{Code: apperr.CodeValidation})
	assert.ErrorIs(t, ValidateAmount(d("-1")), &apperr.Error{Code: apperr.CodeValidation})
	assert.ErrorIs(t, ValidateAmount(d("1.005")), &apperr.Error{Code: apperr.CodeValidation})
}

func TestRecord_PendingUntilCompleted(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "0")

	var pending *model.Transaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = l.Record(ctx, tx, Entry{UserID: "u1", Amount: d("20.00"), Type: model.TxCreditPurchase, ExternalPaymentID: "pay_1"})
		return err
	}))
	assert.Equal(t, model.TxPending, pending.Status)

	bal, _ := Balance(ctx, st, "u1")
	assert.True(t, bal.IsZero())

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, applied, err := l.Complete(ctx, tx, pending.ID)
		assert.True(t, applied)
		return err
	}))
	// Replayed completion is a no-op.
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, applied, err := l.Complete(ctx, tx, pending.ID)
		assert.False(t, applied)
		return err
	}))

	bal, _ = Balance(ctx, st, "u1")
	assert.True(t, bal.Equal(d("20.00")), "balance = %s", bal)
	require.NoError(t, Verify(ctx, st, "u1"))
}

func TestFail_LeavesBalanceUntouched(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "0")

	var pending *model.Transaction
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = l.Record(ctx, tx, Entry{UserID: "u1", Amount: d("20.00"), Type: model.TxCreditPurchase})
		return err
	}))
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, applied, err := l.Fail(ctx, tx, pending.ID)
		assert.True(t, applied)
		return err
	}))
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		_, applied, err := l.Complete(ctx, tx, pending.ID)
		assert.False(t, applied, "failed rows cannot be completed")
		return err
	}))

	bal, _ := Balance(ctx, st, "u1")
	assert.True(t, bal.IsZero())
	require.NoError(t, Verify(ctx, st, "u1"))
}

func TestHistory_NewestFirstAndLimit(t *testing.T) {
	ctx := context.Background()
	st, l := setup(t, "50.00")

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			_, err := l.Debit(ctx, tx, Entry{UserID: "u1", Amount: d("1.00"), Type: model.TxEntryFee})
			return err
		}))
	}

	rows, err := History(ctx, st, "u1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.TxEntryFee, rows[0].Type)

	all, err := History(ctx, st, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, model.TxCreditPurchase, all[3].Type)

	_, err = History(ctx, st, "u1", 1000)
	assert.Error(t, err)
}
