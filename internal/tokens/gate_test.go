package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

const dailyCap = 3

func newUser(t *testing.T, st *store.MemoryStore, now time.Time, tokens int) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{
		ID:              "u1",
		TokensRemaining: tokens,
		LastTokenReset:  model.MidnightUTC(now),
		CreatedAt:       now,
	}))
}

func consume(st store.Store, g *Gate) (int, error) {
	var remaining int
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		remaining, err = g.Consume(context.Background(), tx, "u1", dailyCap)
		return err
	})
	return remaining, err
}

func TestConsume_CountsDownThenFails(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now(), dailyCap)
	g := NewGate(clock)

	for want := 2; want >= 0; want-- {
		got, err := consume(st, g)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := consume(st, g)
	assert.ErrorIs(t, err, apperr.ErrNoTokens)
}

func TestConsume_ResetsAcrossUTCMidnight(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now(), 1)
	g := NewGate(clock)

	// Third token of the day at 23:59:59.
	remaining, err := consume(st, g)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = consume(st, g)
	require.ErrorIs(t, err, apperr.ErrNoTokens)

	// Two seconds later it is a new UTC day.
	clock.Advance(2 * time.Second)
	remaining, err = consume(st, g)
	require.NoError(t, err)
	assert.Equal(t, dailyCap-1, remaining)

	u, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), u.LastTokenReset)
}

func TestConsume_ResetAfterSeveralIdleDays(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now(), 0)
	g := NewGate(clock)

	clock.Advance(72 * time.Hour)
	remaining, err := consume(st, g)
	require.NoError(t, err)
	assert.Equal(t, dailyCap-1, remaining)
}

func TestConsume_ConcurrentLastTokenOnlyOneWins(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now(), 1)
	g := NewGate(clock)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = consume(st, g)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, apperr.ErrNoTokens)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestReset_IdempotentWithinDay(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now().Add(-24*time.Hour), 0)
	g := NewGate(clock)

	var first, second bool
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		s, applied, err := g.Reset(ctx, tx, "u1", dailyCap)
		first = applied
		assert.Equal(t, dailyCap, s.Remaining)
		assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), s.NextReset)
		return err
	}))
	_, err := consume(st, g)
	require.NoError(t, err)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		s, applied, err := g.Reset(ctx, tx, "u1", dailyCap)
		second = applied
		assert.Equal(t, dailyCap-1, s.Remaining, "second reset must not refill")
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)
}

func TestStatus_UnknownUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	g := NewGate(clockwork.NewFakeClock())

	_, err := g.Status(ctx, st, "nobody", dailyCap)
	assert.ErrorIs(t, err, apperr.ErrUserNotFound)
}

// racedTx behaves as if another transaction reset and spent a token after
// this one read the user but before its own reset ran.
type racedTx struct {
	store.Tx
}

func (r racedTx) ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	if _, err := r.Tx.ResetTokens(ctx, userID, count, resetAt); err != nil {
		return false, err
	}
	if _, err := r.Tx.ConsumeToken(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func TestConsume_LostResetRaceUsesCommittedCount(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	newUser(t, st, clock.Now(), 0)
	g := NewGate(clock)
	clock.Advance(2 * time.Minute)

	var (
		remaining int
		status    Status
	)
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		remaining, err = g.Consume(context.Background(), racedTx{tx}, "u1", dailyCap)
		if err != nil {
			return err
		}
		status, err = g.Status(context.Background(), tx, "u1", dailyCap)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, dailyCap-2, remaining)
	assert.Equal(t, dailyCap-2, status.Remaining)
}
