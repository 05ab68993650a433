package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only user profiles, the game config and finalized leaderboard days are
// cached. Reads inside InTx always hit the primary so lock semantics hold.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// InTx runs fn against the primary and invalidates every key the
// transaction touched once it commits.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.Store.InTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, rec.keys()...)
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) UpdateDisplayName(ctx context.Context, id, name string) error {
	if err := s.Store.UpdateDisplayName(ctx, id, name); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(id))
	return nil
}

func (s *CachedStore) ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	applied, err := s.Store.ResetTokens(ctx, userID, count, resetAt)
	if applied {
		s.invalidate(ctx, userKey(userID))
	}
	return applied, err
}

func (s *CachedStore) ConsumeToken(ctx context.Context, userID string) (int, error) {
	n, err := s.Store.ConsumeToken(ctx, userID)
	if err == nil {
		s.invalidate(ctx, userKey(userID))
	}
	return n, err
}

func (s *CachedStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	b, err := s.Store.AdjustBalance(ctx, userID, delta)
	if err == nil {
		s.invalidate(ctx, userKey(userID))
	}
	return b, err
}

func (s *CachedStore) AddLeaderboardResult(ctx context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error {
	if err := s.Store.AddLeaderboardResult(ctx, date, userID, score, distance, at); err != nil {
		return err
	}
	s.invalidate(ctx, boardKey(date))
	return nil
}

func (s *CachedStore) SetLeaderboardRank(ctx context.Context, date, userID string, rank int, prize decimal.Decimal) error {
	if err := s.Store.SetLeaderboardRank(ctx, date, userID, rank, prize); err != nil {
		return err
	}
	s.invalidate(ctx, boardKey(date))
	return nil
}

func (s *CachedStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.Store.SetConfig(ctx, key, value); err != nil {
		return err
	}
	s.invalidate(ctx, configKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	got, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetConfig(ctx context.Context) (map[string]string, error) {
	var cfg map[string]string
	if s.load(ctx, configKey, &cfg) {
		return cfg, nil
	}

	cfg, err := s.Store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, configKey, cfg)
	return cfg, nil
}

// ListLeaderboard caches a day only after it is finalized; live days change
// with every completed session.
func (s *CachedStore) ListLeaderboard(ctx context.Context, date string) ([]model.DailyLeaderboardEntry, error) {
	var entries []model.DailyLeaderboardEntry
	if s.load(ctx, boardKey(date), &entries) {
		return entries, nil
	}

	entries, err := s.Store.ListLeaderboard(ctx, date)
	if err != nil {
		return nil, err
	}
	if _, finalized, err := s.Store.GetPrizePool(ctx, date); err == nil && finalized {
		s.save(ctx, boardKey(date), entries)
	}
	return entries, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

const configKey = "game_config"

func userKey(id string) string    { return fmt.Sprintf("user:%s", id) }
func boardKey(date string) string { return fmt.Sprintf("leaderboard:%s", date) }

// recordingTx remembers which cache keys a transaction dirtied.
type recordingTx struct {
	Tx
	mu    sync.Mutex
	dirty map[string]struct{}
}

func (r *recordingTx) mark(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty == nil {
		r.dirty = make(map[string]struct{})
	}
	r.dirty[key] = struct{}{}
}

func (r *recordingTx) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		out = append(out, k)
	}
	return out
}

func (r *recordingTx) CreateUser(ctx context.Context, u *model.User) error {
	r.mark(userKey(u.ID))
	return r.Tx.CreateUser(ctx, u)
}

func (r *recordingTx) UpdateDisplayName(ctx context.Context, id, name string) error {
	r.mark(userKey(id))
	return r.Tx.UpdateDisplayName(ctx, id, name)
}

func (r *recordingTx) ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	r.mark(userKey(userID))
	return r.Tx.ResetTokens(ctx, userID, count, resetAt)
}

func (r *recordingTx) ConsumeToken(ctx context.Context, userID string) (int, error) {
	r.mark(userKey(userID))
	return r.Tx.ConsumeToken(ctx, userID)
}

func (r *recordingTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	r.mark(userKey(userID))
	return r.Tx.AdjustBalance(ctx, userID, delta)
}

func (r *recordingTx) AddLeaderboardResult(ctx context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error {
	r.mark(boardKey(date))
	return r.Tx.AddLeaderboardResult(ctx, date, userID, score, distance, at)
}

func (r *recordingTx) SetLeaderboardRank(ctx context.Context, date, userID string, rank int, prize decimal.Decimal) error {
	r.mark(boardKey(date))
	return r.Tx.SetLeaderboardRank(ctx, date, userID, rank, prize)
}

func (r *recordingTx) SetConfig(ctx context.Context, key, value string) error {
	r.mark(configKey)
	return r.Tx.SetConfig(ctx, key, value)
}
