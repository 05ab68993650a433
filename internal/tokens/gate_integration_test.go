//go:build integration

package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/database/testutil"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

func TestConsume_ConcurrentAfterMidnightPostgres(t *testing.T) {
	tdb := testutil.SetupTestDatabase(t)
	st := store.NewPostgresStore(tdb.DB.Pool)
	ctx := context.Background()

	yesterday := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateUser(ctx, &model.User{
		ID: "u1", Balance: decimal.Zero, TokensRemaining: 0, LastTokenReset: yesterday, CreatedAt: yesterday,
	}))
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	g := NewGate(clock)

	const joins = 6
	var wg sync.WaitGroup
	errs := make([]error, joins)
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
	assert.Equal(t, dailyCap, ok, "every token of the new day is spendable")

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.TokensRemaining)
}
