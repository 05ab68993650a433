package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("join: %w", &Error{Code: CodeSessionFull, Message: "room 7 is full"})
	assert.ErrorIs(t, err, ErrSessionFull)
	assert.NotErrorIs(t, err, ErrSessionStarted)
}

func TestInsufficientCredits_ReportsDeficit(t *testing.T) {
	err := InsufficientCredits(decimal.RequireFromString("10.00"), decimal.RequireFromString("5.00"))
	require.NotNil(t, err.Deficit)
	assert.Equal(t, "5.00", err.Deficit.StringFixed(2))
	assert.Equal(t, KindInsufficient, err.Kind())
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestFrom_WrapsUntypedAsInternal(t *testing.T) {
	e := From(errors.New("connection reset"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, KindInternal, e.Kind())

	typed := From(fmt.Errorf("ctx: %w", ErrNoTokens))
	assert.Equal(t, CodeNoTokens, typed.Code)
	assert.Nil(t, From(nil))
}
