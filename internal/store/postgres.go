package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/model"
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(14,2) for exact decimal precision.
type PostgresStore struct {
	*queries
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{queries: &queries{q: pool}, pool: pool}
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken by
// GetSession and the conditional updates serialize concurrent writers.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(&queries{q: tx, locking: true}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q queryable
	// locking adds FOR UPDATE to session reads inside a transaction.
	locking bool
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Users ---

const userColumns = `id, display_name, balance::TEXT, tokens_remaining, last_token_reset, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.DisplayName, &balance, &u.TokensRemaining, &u.LastTokenReset, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Balance = dec(balance)
	u.LastTokenReset = u.LastTokenReset.UTC()
	return &u, nil
}

func (s *queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get user "+id)
	}
	return u, nil
}

func (s *queries) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, tokens_remaining, last_token_reset, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		u.ID, u.DisplayName, u.Balance.String(), u.TokensRemaining, u.LastTokenReset, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	return err
}

func (s *queries) UpdateDisplayName(ctx context.Context, id, name string) error {
	tag, err := s.q.Exec(ctx, `UPDATE users SET display_name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *queries) ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE users SET tokens_remaining = $2, last_token_reset = $3
		 WHERE id = $1 AND last_token_reset < $3`,
		userID, count, resetAt)
	if err != nil {
		return false, fmt.Errorf("reset tokens for %s: %w", userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *queries) ConsumeToken(ctx context.Context, userID string) (int, error) {
	var remaining int
	err := s.q.QueryRow(ctx,
		`UPDATE users SET tokens_remaining = tokens_remaining - 1
		 WHERE id = $1 AND tokens_remaining > 0
		 RETURNING tokens_remaining`, userID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetUser(ctx, userID); gerr != nil {
			return 0, gerr
		}
		return 0, ErrConditionFailed
	}
	if err != nil {
		return 0, fmt.Errorf("consume token for %s: %w", userID, err)
	}
	return remaining, nil
}

func (s *queries) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := s.q.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC
		 WHERE id = $1 AND balance + $2::NUMERIC >= 0
		 RETURNING balance::TEXT`, userID, delta.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		u, gerr := s.GetUser(ctx, userID)
		if gerr != nil {
			return decimal.Zero, gerr
		}
		return u.Balance, ErrConditionFailed
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance for %s: %w", userID, err)
	}
	return dec(balance), nil
}

// --- Immutable ledger ---

const txColumns = `id, user_id, COALESCE(session_id, ''), amount::TEXT, type, status,
	COALESCE(external_payment_id, ''), metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount string
	var meta []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &amount, &t.Type, &t.Status,
		&t.ExternalPaymentID, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Amount = dec(amount)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.Metadata)
	}
	return &t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *queries) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO transactions (id, user_id, session_id, amount, type, status, external_payment_id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.UserID, nullable(t.SessionID), t.Amount.String(), t.Type, t.Status,
		nullable(t.ExternalPaymentID), meta, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrDuplicate)
	}
	return err
}

func (s *queries) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.q.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get transaction "+id)
	}
	return t, nil
}

func (s *queries) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE external_payment_id = $1`, externalID))
	if err != nil {
		return nil, notFound(err, "get transaction by external id "+externalID)
	}
	return t, nil
}

func (s *queries) SetTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'PENDING'`,
		id, status, at)
	if err != nil {
		return fmt.Errorf("set transaction %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *queries) SetExternalPaymentID(ctx context.Context, id, externalID string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET external_payment_id = $2, updated_at = $3
		 WHERE id = $1 AND (external_payment_id IS NULL OR external_payment_id = $2)`,
		id, externalID, at)
	if isUniqueViolation(err) {
		return fmt.Errorf("external payment %s: %w", externalID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("set transaction %s external id: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

func (s *queries) listTransactions(ctx context.Context, sql string, args ...any) ([]model.Transaction, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *queries) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.listTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
}

func (s *queries) ListTransactionsBySession(ctx context.Context, sessionID string) ([]model.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
}

func (s *queries) SumCompleted(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum string
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM transactions
		 WHERE user_id = $1 AND status = 'COMPLETED'`, userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions for %s: %w", userID, err)
	}
	return dec(sum), nil
}

// --- Sessions ---

const sessionColumns = `id, creator_id, entry_fee::TEXT, max_players, current_players, status,
	game_state, COALESCE(cancel_reason, ''), created_at, starting_at, started_at, ended_at`

func scanSession(row pgx.Row) (*model.GameSession, error) {
	var gs model.GameSession
	var fee string
	var state []byte
	if err := row.Scan(&gs.ID, &gs.CreatorID, &fee, &gs.MaxPlayers, &gs.CurrentPlayers, &gs.Status,
		&state, &gs.CancelReason, &gs.CreatedAt, &gs.StartingAt, &gs.StartedAt, &gs.EndedAt); err != nil {
		return nil, err
	}
	gs.EntryFee = dec(fee)
	if len(state) > 0 {
		gs.GameState = json.RawMessage(state)
	}
	return &gs, nil
}

func (s *queries) CreateSession(ctx context.Context, gs *model.GameSession) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO game_sessions (id, creator_id, entry_fee, max_players, current_players, status, game_state, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		gs.ID, gs.CreatorID, gs.EntryFee.String(), gs.MaxPlayers, gs.CurrentPlayers, gs.Status,
		[]byte(gs.GameState), gs.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", gs.ID, ErrDuplicate)
	}
	return err
}

func (s *queries) GetSession(ctx context.Context, id string) (*model.GameSession, error) {
	sql := `SELECT ` + sessionColumns + ` FROM game_sessions WHERE id = $1`
	if s.locking {
		sql += ` FOR UPDATE`
	}
	gs, err := scanSession(s.q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "get session "+id)
	}
	return gs, nil
}

func (s *queries) ListSessions(ctx context.Context, f SessionFilter) ([]model.GameSession, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.Query(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC, id LIMIT $2`, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.GameSession, 0)
	for rows.Next() {
		gs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *gs)
	}
	return result, rows.Err()
}

func (s *queries) TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, at time.Time, reason string) error {
	stamp := "ended_at"
	switch to {
	case model.StatusStarting:
		stamp = "starting_at"
	case model.StatusActive:
		stamp = "started_at"
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE game_sessions
		 SET status = $2, `+stamp+` = $3, cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason)
		 WHERE id = $1 AND status = ANY($5)`,
		id, to, at, reason, statuses)
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *queries) AddPlayer(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`UPDATE game_sessions SET current_players = current_players + 1
		 WHERE id = $1 AND current_players < max_players
		 RETURNING current_players`, sessionID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConditionFailed
	}
	if err != nil {
		return 0, fmt.Errorf("add player to %s: %w", sessionID, err)
	}
	return n, nil
}

func (s *queries) RemovePlayer(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`UPDATE game_sessions SET current_players = current_players - 1
		 WHERE id = $1 AND current_players > 0
		 RETURNING current_players`, sessionID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConditionFailed
	}
	if err != nil {
		return 0, fmt.Errorf("remove player from %s: %w", sessionID, err)
	}
	return n, nil
}

func (s *queries) SetGameState(ctx context.Context, sessionID string, state json.RawMessage) error {
	tag, err := s.q.Exec(ctx, `UPDATE game_sessions SET game_state = $2 WHERE id = $1`, sessionID, []byte(state))
	if err != nil {
		return fmt.Errorf("set game state for %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// --- Participants ---

const participantColumns = `session_id, user_id, seq, paid_amount::TEXT, score,
	distance_traveled::TEXT, survival_time::TEXT, placement, connected,
	disconnected_at, joined_at, finished_at`

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var p model.Participant
	var paid, dist, surv string
	if err := row.Scan(&p.SessionID, &p.UserID, &p.Seq, &paid, &p.Score, &dist, &surv,
		&p.Placement, &p.Connected, &p.DisconnectedAt, &p.JoinedAt, &p.FinishedAt); err != nil {
		return nil, err
	}
	p.PaidAmount = dec(paid)
	p.DistanceTraveled = dec(dist)
	p.SurvivalTime = dec(surv)
	return &p, nil
}

func (s *queries) InsertParticipant(ctx context.Context, p *model.Participant) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO participants (session_id, user_id, paid_amount, connected, joined_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 RETURNING seq`,
		p.SessionID, p.UserID, p.PaidAmount.String(), p.Connected, p.JoinedAt).Scan(&p.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("participant %s/%s: %w", p.SessionID, p.UserID, ErrDuplicate)
	}
	return err
}

func (s *queries) GetParticipant(ctx context.Context, sessionID, userID string) (*model.Participant, error) {
	p, err := scanParticipant(s.q.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID))
	if err != nil {
		return nil, notFound(err, "get participant "+sessionID+"/"+userID)
	}
	return p, nil
}

func (s *queries) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *queries) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM participants WHERE session_id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", sessionID, userID, ErrNotFound)
	}
	return nil
}

func (s *queries) UpdateParticipantResult(ctx context.Context, p *model.Participant) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE participants
		 SET score = $3, distance_traveled = $4::NUMERIC, survival_time = $5::NUMERIC,
		     placement = $6, finished_at = $7
		 WHERE session_id = $1 AND user_id = $2`,
		p.SessionID, p.UserID, p.Score, p.DistanceTraveled.String(), p.SurvivalTime.String(),
		p.Placement, p.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", p.SessionID, p.UserID, ErrNotFound)
	}
	return nil
}

func (s *queries) SetParticipantConnected(ctx context.Context, sessionID, userID string, connected bool, at time.Time) error {
	var disconnectedAt *time.Time
	if !connected {
		disconnectedAt = &at
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE participants SET connected = $3, disconnected_at = $4
		 WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID, connected, disconnectedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", sessionID, userID, ErrNotFound)
	}
	return nil
}

// --- Settlement ---

func (s *queries) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO settlements (session_id, pool, developer_share, creator_share, winner_share, winner_id, settled_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		st.SessionID, st.Pool.String(), st.DeveloperShare.String(), st.CreatorShare.String(),
		st.WinnerShare.String(), nullable(st.WinnerID), st.SettledAt)
	if err != nil {
		return fmt.Errorf("insert settlement %s: %w", st.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s: %w", st.SessionID, ErrDuplicate)
	}
	return nil
}

func (s *queries) GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error) {
	var st model.Settlement
	var pool, dev, creator, winner string
	err := s.q.QueryRow(ctx,
		`SELECT session_id, pool::TEXT, developer_share::TEXT, creator_share::TEXT,
		        winner_share::TEXT, COALESCE(winner_id, ''), settled_at
		 FROM settlements WHERE session_id = $1`, sessionID).
		Scan(&st.SessionID, &pool, &dev, &creator, &winner, &st.WinnerID, &st.SettledAt)
	if err != nil {
		return nil, notFound(err, "get settlement "+sessionID)
	}
	st.Pool, st.DeveloperShare, st.CreatorShare, st.WinnerShare = dec(pool), dec(dev), dec(creator), dec(winner)
	return &st, nil
}

// --- Daily leaderboard ---

const boardColumns = `date::TEXT, user_id, total_score, games_played, best_distance::TEXT,
	COALESCE(rank, 0), prize_amount::TEXT, updated_at`

func (s *queries) listBoard(ctx context.Context, sql string, args ...any) ([]model.DailyLeaderboardEntry, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.DailyLeaderboardEntry, 0)
	for rows.Next() {
		var e model.DailyLeaderboardEntry
		var best, prize string
		if err := rows.Scan(&e.Date, &e.UserID, &e.TotalScore, &e.GamesPlayed, &best,
			&e.Rank, &prize, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.BestDistance, e.PrizeAmount = dec(best), dec(prize)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *queries) AddLeaderboardResult(ctx context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO daily_leaderboard (date, user_id, total_score, games_played, best_distance, prize_amount, updated_at)
		 VALUES ($1::DATE, $2, $3, 1, $4::NUMERIC, 0, $5)
		 ON CONFLICT (date, user_id) DO UPDATE
		 SET total_score   = daily_leaderboard.total_score + EXCLUDED.total_score,
		     games_played  = daily_leaderboard.games_played + 1,
		     best_distance = GREATEST(daily_leaderboard.best_distance, EXCLUDED.best_distance),
		     updated_at    = EXCLUDED.updated_at`,
		date, userID, score, distance.String(), at)
	if err != nil {
		return fmt.Errorf("upsert leaderboard %s/%s: %w", date, userID, err)
	}
	return nil
}

func (s *queries) ListLeaderboard(ctx context.Context, date string) ([]model.DailyLeaderboardEntry, error) {
	return s.listBoard(ctx,
		`SELECT `+boardColumns+` FROM daily_leaderboard WHERE date = $1::DATE ORDER BY user_id`, date)
}

func (s *queries) ListLeaderboardRange(ctx context.Context, fromDate, toDate string) ([]model.DailyLeaderboardEntry, error) {
	return s.listBoard(ctx,
		`SELECT `+boardColumns+` FROM daily_leaderboard
		 WHERE date BETWEEN $1::DATE AND $2::DATE ORDER BY date, user_id`, fromDate, toDate)
}

func (s *queries) SetLeaderboardRank(ctx context.Context, date, userID string, rank int, prize decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE daily_leaderboard SET rank = $3, prize_amount = $4::NUMERIC
		 WHERE date = $1::DATE AND user_id = $2`, date, userID, rank, prize.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("leaderboard %s/%s: %w", date, userID, ErrNotFound)
	}
	return nil
}

func (s *queries) AddToPrizePool(ctx context.Context, date string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO daily_prize_pools (date, amount) VALUES ($1::DATE, $2::NUMERIC)
		 ON CONFLICT (date) DO UPDATE
		 SET amount = daily_prize_pools.amount + EXCLUDED.amount
		 WHERE daily_prize_pools.finalized_at IS NULL`, date, amount.String())
	if err != nil {
		return fmt.Errorf("add to prize pool %s: %w", date, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *queries) GetPrizePool(ctx context.Context, date string) (decimal.Decimal, bool, error) {
	var amount string
	var finalizedAt *time.Time
	err := s.q.QueryRow(ctx,
		`SELECT amount::TEXT, finalized_at FROM daily_prize_pools WHERE date = $1::DATE`, date).
		Scan(&amount, &finalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get prize pool %s: %w", date, err)
	}
	return dec(amount), finalizedAt != nil, nil
}

func (s *queries) FinalizeDay(ctx context.Context, date string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO daily_prize_pools (date, amount, finalized_at) VALUES ($1::DATE, 0, $2)
		 ON CONFLICT (date) DO UPDATE SET finalized_at = EXCLUDED.finalized_at
		 WHERE daily_prize_pools.finalized_at IS NULL`, date, at)
	if err != nil {
		return fmt.Errorf("finalize day %s: %w", date, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *queries) ListUnfinalizedDays(ctx context.Context, before string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT d::TEXT FROM (
		     SELECT DISTINCT date AS d FROM daily_leaderboard WHERE date < $1::DATE
		     UNION
		     SELECT date FROM daily_prize_pools WHERE date < $1::DATE
		 ) days
		 WHERE NOT EXISTS (
		     SELECT 1 FROM daily_prize_pools p WHERE p.date = days.d AND p.finalized_at IS NOT NULL
		 )
		 ORDER BY d`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// --- Game config ---

func (s *queries) GetConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.q.Query(ctx, `SELECT key, value FROM game_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cfg := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		cfg[k] = v
	}
	return cfg, rows.Err()
}

func (s *queries) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO game_config (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	return err
}
