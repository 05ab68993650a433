package config

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Keys of the persisted game_config table.
const (
	KeyMinEntryFee       = "min_entry_fee"
	KeyMaxEntryFee       = "max_entry_fee"
	KeyDailyTokenCount   = "daily_token_count"
	KeyMaxPlayers        = "max_players"
	KeyMinPlayers        = "min_players"
	KeyDeveloperSplitPct = "developer_split_pct"
	KeyCreatorSplitPct   = "creator_split_pct"
	KeyWinnerSplitPct    = "winner_split_pct"
	KeyLobbyTimeout      = "lobby_timeout_seconds"
	KeyCountdown         = "countdown_seconds"
	KeyGameTimeout       = "game_timeout_seconds"
	KeyDisconnectGrace   = "disconnect_grace_seconds"
	KeyWinnerMode        = "winner_mode"
)

// WinnerMode decides who receives the winner share of a session pool.
type WinnerMode string

const (
	// WinnerPerSession pays the placement-1 participant of each session.
	WinnerPerSession WinnerMode = "session"
	// WinnerPerDay accrues the share into the day's prize pool, paid at rollover.
	WinnerPerDay WinnerMode = "daily"
)

// Settings are the operator-tunable game rules. They are read from the
// store at session creation and settlement time.
type Settings struct {
	MinEntryFee       decimal.Decimal
	MaxEntryFee       decimal.Decimal
	DailyTokenCount   int
	MaxPlayers        int
	MinPlayers        int
	DeveloperSplitPct decimal.Decimal
	CreatorSplitPct   decimal.Decimal
	WinnerSplitPct    decimal.Decimal
	LobbyTimeout      time.Duration
	Countdown         time.Duration
	GameTimeout       time.Duration
	DisconnectGrace   time.Duration
	WinnerMode        WinnerMode
}

// DefaultSettings returns the seed values used when a key has no stored row.
func DefaultSettings() Settings {
	return Settings{
		MinEntryFee:       decimal.RequireFromString("1.00"),
		MaxEntryFee:       decimal.RequireFromString("100.00"),
		DailyTokenCount:   3,
		MaxPlayers:        8,
		MinPlayers:        2,
		DeveloperSplitPct: decimal.NewFromInt(25),
		CreatorSplitPct:   decimal.NewFromInt(25),
		WinnerSplitPct:    decimal.NewFromInt(50),
		LobbyTimeout:      5 * time.Minute,
		Countdown:         0,
		GameTimeout:       15 * time.Minute,
		DisconnectGrace:   30 * time.Second,
		WinnerMode:        WinnerPerSession,
	}
}

// ParseSettings overlays stored key/value rows on the defaults.
// Unknown keys are ignored so older binaries tolerate newer rows.
func ParseSettings(rows map[string]string) (Settings, error) {
	s := DefaultSettings()

	for key, raw := range rows {
		var err error
		switch key {
		case KeyMinEntryFee:
			s.MinEntryFee, err = decimal.NewFromString(raw)
		case KeyMaxEntryFee:
			s.MaxEntryFee, err = decimal.NewFromString(raw)
		case KeyDailyTokenCount:
			s.DailyTokenCount, err = strconv.Atoi(raw)
		case KeyMaxPlayers:
			s.MaxPlayers, err = strconv.Atoi(raw)
		case KeyMinPlayers:
			s.MinPlayers, err = strconv.Atoi(raw)
		case KeyDeveloperSplitPct:
			s.DeveloperSplitPct, err = decimal.NewFromString(raw)
		case KeyCreatorSplitPct:
			s.CreatorSplitPct, err = decimal.NewFromString(raw)
		case KeyWinnerSplitPct:
			s.WinnerSplitPct, err = decimal.NewFromString(raw)
		case KeyLobbyTimeout:
			s.LobbyTimeout, err = parseSeconds(raw)
		case KeyCountdown:
			s.Countdown, err = parseSeconds(raw)
		case KeyGameTimeout:
			s.GameTimeout, err = parseSeconds(raw)
		case KeyDisconnectGrace:
			s.DisconnectGrace, err = parseSeconds(raw)
		case KeyWinnerMode:
			s.WinnerMode = WinnerMode(raw)
		}
		if err != nil {
			return Settings{}, fmt.Errorf("game_config %s=%q: %w", key, raw, err)
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	if !s.MinEntryFee.IsPositive() || s.MinEntryFee.GreaterThan(s.MaxEntryFee) {
		return fmt.Errorf("entry fee bounds [%s, %s] are invalid", s.MinEntryFee, s.MaxEntryFee)
	}
	if s.DailyTokenCount < 0 {
		return fmt.Errorf("daily_token_count must be >= 0, got %d", s.DailyTokenCount)
	}
	if s.MaxPlayers < 1 {
		return fmt.Errorf("max_players must be >= 1, got %d", s.MaxPlayers)
	}
	if s.MinPlayers < 1 || s.MinPlayers > s.MaxPlayers {
		return fmt.Errorf("min_players must be in [1, %d], got %d", s.MaxPlayers, s.MinPlayers)
	}
	for _, pct := range []decimal.Decimal{s.DeveloperSplitPct, s.CreatorSplitPct, s.WinnerSplitPct} {
		if pct.IsNegative() {
			return fmt.Errorf("split percentages must be non-negative")
		}
	}
	total := s.DeveloperSplitPct.Add(s.CreatorSplitPct).Add(s.WinnerSplitPct)
	if !total.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("split percentages must sum to 100, got %s", total)
	}
	if s.WinnerMode != WinnerPerSession && s.WinnerMode != WinnerPerDay {
		return fmt.Errorf("winner_mode must be %q or %q, got %q", WinnerPerSession, WinnerPerDay, s.WinnerMode)
	}
	return nil
}

// Rows renders the settings back into game_config rows.
func (s Settings) Rows() map[string]string {
	return map[string]string{
		KeyMinEntryFee:       s.MinEntryFee.StringFixed(2),
		KeyMaxEntryFee:       s.MaxEntryFee.StringFixed(2),
		KeyDailyTokenCount:   strconv.Itoa(s.DailyTokenCount),
		KeyMaxPlayers:        strconv.Itoa(s.MaxPlayers),
		KeyMinPlayers:        strconv.Itoa(s.MinPlayers),
		KeyDeveloperSplitPct: s.DeveloperSplitPct.String(),
		KeyCreatorSplitPct:   s.CreatorSplitPct.String(),
		KeyWinnerSplitPct:    s.WinnerSplitPct.String(),
		KeyLobbyTimeout:      strconv.Itoa(int(s.LobbyTimeout / time.Second)),
		KeyCountdown:         strconv.Itoa(int(s.Countdown / time.Second)),
		KeyGameTimeout:       strconv.Itoa(int(s.GameTimeout / time.Second)),
		KeyDisconnectGrace:   strconv.Itoa(int(s.DisconnectGrace / time.Second)),
		KeyWinnerMode:        string(s.WinnerMode),
	}
}

// KnownKeys lists every recognised game_config key in sorted order.
func KnownKeys() []string {
	rows := DefaultSettings().Rows()
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseSeconds(raw string) (time.Duration, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0")
	}
	return time.Duration(n) * time.Second, nil
}

// SettingsSource is anything that can list the stored game_config rows.
type SettingsSource interface {
	GetConfig(ctx context.Context) (map[string]string, error)
}

// LoadSettings reads and parses the stored game_config rows.
func LoadSettings(ctx context.Context, src SettingsSource) (Settings, error) {
	rows, err := src.GetConfig(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("load game_config: %w", err)
	}
	return ParseSettings(rows)
}
