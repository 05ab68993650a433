// Package leaderboard accumulates per-day results and rolls each UTC day
// over exactly once: ranking its entries and paying the accrued daily prize
// pool to rank 1.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/metrics"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/store"
)

// Board is a ranked view of one day or one ISO week.
type Board struct {
	From      string                        `json:"from"`
	To        string                        `json:"to"`
	Finalized bool                          `json:"finalized"`
	PrizePool decimal.Decimal               `json:"prize_pool"`
	Entries   []model.DailyLeaderboardEntry `json:"entries"`
}

// Aggregator records session results and finalizes days.
type Aggregator struct {
	store  store.Store
	ledger *ledger.Ledger
	clock  clockwork.Clock
	events events.Publisher

	mu         sync.Mutex
	rolledOver string // last day key EnsureRolledOver completed for
}

// NewAggregator creates a leaderboard aggregator.
func NewAggregator(st store.Store, l *ledger.Ledger, clock clockwork.Clock, pub events.Publisher) *Aggregator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Aggregator{store: st, ledger: l, clock: clock, events: pub}
}

// RecordSessionTx adds each participant's session result to the day's
// entries inside the caller's transaction.
func (a *Aggregator) RecordSessionTx(ctx context.Context, tx store.Tx, date string, participants []model.Participant) error {
	now := a.clock.Now().UTC()
	for _, p := range participants {
		if err := tx.AddLeaderboardResult(ctx, date, p.UserID, p.Score, p.DistanceTraveled, now); err != nil {
			return fmt.Errorf("record leaderboard result for %s: %w", p.UserID, err)
		}
	}
	return nil
}

// Rank orders entries by total score, then best distance, then whoever
// reached their standing first, and numbers them from 1.
func Rank(entries []model.DailyLeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if c := a.BestDistance.Cmp(b.BestDistance); c != 0 {
			return c > 0
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// FinalizeTx rolls date over inside the caller's transaction. Reports
// false, writing nothing, if the date was already finalized.
func (a *Aggregator) FinalizeTx(ctx context.Context, tx store.Tx, date string, batch *events.Batch) (bool, error) {
	now := a.clock.Now().UTC()
	err := tx.FinalizeDay(ctx, date, now)
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	entries, err := tx.ListLeaderboard(ctx, date)
	if err != nil {
		return false, err
	}
	pool, _, err := tx.GetPrizePool(ctx, date)
	if err != nil {
		return false, err
	}
	Rank(entries)

	winner := ""
	for _, e := range entries {
		prize := decimal.Zero
		if e.Rank == 1 && pool.IsPositive() {
			prize = pool
			winner = e.UserID
		}
		if err := tx.SetLeaderboardRank(ctx, date, e.UserID, e.Rank, prize); err != nil {
			return false, err
		}
	}

	if winner != "" {
		_, err := a.ledger.Credit(ctx, tx, ledger.Entry{
			UserID:   winner,
			Amount:   pool,
			Type:     model.TxPrizePayout,
			Metadata: map[string]string{"date": date},
		})
		if err != nil {
			return false, fmt.Errorf("pay daily prize for %s: %w", date, err)
		}
	} else if pool.IsPositive() {
		slog.Warn("daily prize pool has no entries to pay", "date", date, "amount", pool.StringFixed(model.MoneyScale))
	}

	batch.Add(events.New(events.LeaderboardFinalized, "", winner, now, map[string]string{
		"date":  date,
		"prize": pool.StringFixed(model.MoneyScale),
	}))
	slog.Info("leaderboard finalized", "date", date, "entries", len(entries), "winner", winner,
		"prize", pool.StringFixed(model.MoneyScale))
	return true, nil
}

// Finalize rolls date over in its own transaction.
func (a *Aggregator) Finalize(ctx context.Context, date string) (bool, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return false, apperr.Validation("date must be YYYY-MM-DD, got %q", date)
	}
	if date >= model.DayKey(a.clock.Now()) {
		return false, apperr.Validation("cannot finalize %s before it has ended", date)
	}

	var (
		done  bool
		batch events.Batch
	)
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		batch.Discard()
		var err error
		done, err = a.FinalizeTx(ctx, tx, date, &batch)
		return err
	})
	if err != nil {
		return false, err
	}
	if done {
		metrics.LeaderboardFinalizations.Inc()
	}
	batch.Flush(ctx, a.events)
	return done, nil
}

// EnsureRolledOver finalizes every earlier day that is still open. It is
// run lazily on leaderboard reads and session completion, and by the
// scheduler just after midnight.
func (a *Aggregator) EnsureRolledOver(ctx context.Context) error {
	today := model.DayKey(a.clock.Now())

	a.mu.Lock()
	done := a.rolledOver == today
	a.mu.Unlock()
	if done {
		return nil
	}

	days, err := a.store.ListUnfinalizedDays(ctx, today)
	if err != nil {
		return fmt.Errorf("list unfinalized days: %w", err)
	}
	for _, day := range days {
		if _, err := a.Finalize(ctx, day); err != nil {
			return fmt.Errorf("finalize %s: %w", day, err)
		}
	}

	a.mu.Lock()
	a.rolledOver = today
	a.mu.Unlock()
	return nil
}

// Daily returns the board for date. An open day is ranked provisionally
// and shows no prizes yet.
func (a *Aggregator) Daily(ctx context.Context, date string) (*Board, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return nil, apperr.Validation("date must be YYYY-MM-DD, got %q", date)
	}
	if err := a.EnsureRolledOver(ctx); err != nil {
		slog.Error("leaderboard rollover failed", "error", err)
	}

	entries, err := a.store.ListLeaderboard(ctx, date)
	if err != nil {
		return nil, err
	}
	pool, finalized, err := a.store.GetPrizePool(ctx, date)
	if err != nil {
		return nil, err
	}
	if finalized {
		sort.SliceStable(entries, func(i, j int) bool {
			ri, rj := entries[i].Rank, entries[j].Rank
			if ri == 0 || rj == 0 {
				return rj == 0 && ri != 0
			}
			return ri < rj
		})
	} else {
		Rank(entries)
	}
	return &Board{From: date, To: date, Finalized: finalized, PrizePool: pool, Entries: entries}, nil
}

// Weekly sums the ISO week (Monday to Sunday) containing date.
func (a *Aggregator) Weekly(ctx context.Context, date string) (*Board, error) {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, apperr.Validation("date must be YYYY-MM-DD, got %q", date)
	}
	if err := a.EnsureRolledOver(ctx); err != nil {
		slog.Error("leaderboard rollover failed", "error", err)
	}

	monday, sunday := WeekBounds(day)
	from, to := model.DayKey(monday), model.DayKey(sunday)
	rows, err := a.store.ListLeaderboardRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byUser := make(map[string]*model.DailyLeaderboardEntry)
	var order []string
	for _, r := range rows {
		agg, ok := byUser[r.UserID]
		if !ok {
			agg = &model.DailyLeaderboardEntry{Date: from, UserID: r.UserID, PrizeAmount: decimal.Zero, BestDistance: decimal.Zero}
			byUser[r.UserID] = agg
			order = append(order, r.UserID)
		}
		agg.TotalScore += r.TotalScore
		agg.GamesPlayed += r.GamesPlayed
		if r.BestDistance.GreaterThan(agg.BestDistance) {
			agg.BestDistance = r.BestDistance
		}
		agg.PrizeAmount = agg.PrizeAmount.Add(r.PrizeAmount)
		if r.UpdatedAt.After(agg.UpdatedAt) {
			agg.UpdatedAt = r.UpdatedAt
		}
	}

	entries := make([]model.DailyLeaderboardEntry, 0, len(order))
	prizes := decimal.Zero
	for _, uid := range order {
		entries = append(entries, *byUser[uid])
		prizes = prizes.Add(byUser[uid].PrizeAmount)
	}
	Rank(entries)

	finalized := to < model.DayKey(a.clock.Now())
	return &Board{From: from, To: to, Finalized: finalized, PrizePool: prizes, Entries: entries}, nil
}

// WeekBounds returns the UTC Monday and Sunday of t's ISO week.
func WeekBounds(t time.Time) (time.Time, time.Time) {
	day := model.MidnightUTC(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	monday := day.AddDate(0, 0, -offset)
	return monday, monday.AddDate(0, 0, 6)
}
