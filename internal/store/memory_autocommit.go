package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/model"
)

// Autocommit access: reads share the live state under a read lock, writes
// run as one-statement transactions.

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var out *model.User
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetUser(ctx, id)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetTransaction(ctx, id)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetTransactionByExternalID(ctx, externalID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListTransactionsByUser(ctx, userID, limit)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListTransactionsBySession(ctx context.Context, sessionID string) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListTransactionsBySession(ctx, sessionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) SumCompleted(ctx context.Context, userID string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.SumCompleted(ctx, userID)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*model.GameSession, error) {
	var out *model.GameSession
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetSession(ctx, id)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.GameSession, error) {
	var out []model.GameSession
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListSessions(ctx, f)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetParticipant(ctx context.Context, sessionID, userID string) (*model.Participant, error) {
	var out *model.Participant
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetParticipant(ctx, sessionID, userID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	var out []model.Participant
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListParticipants(ctx, sessionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error) {
	var out *model.Settlement
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetSettlement(ctx, sessionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListLeaderboard(ctx context.Context, date string) ([]model.DailyLeaderboardEntry, error) {
	var out []model.DailyLeaderboardEntry
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListLeaderboard(ctx, date)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListLeaderboardRange(ctx context.Context, fromDate, toDate string) ([]model.DailyLeaderboardEntry, error) {
	var out []model.DailyLeaderboardEntry
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListLeaderboardRange(ctx, fromDate, toDate)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListUnfinalizedDays(ctx context.Context, before string) ([]string, error) {
	var out []string
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.ListUnfinalizedDays(ctx, before)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetConfig(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := s.read(func(tx *memTx) (err error) {
		out, err = tx.GetConfig(ctx)
		return err
	})
	return out, err
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.write(ctx, func(tx Tx) error { return tx.CreateUser(ctx, u) })
}

func (s *MemoryStore) UpdateDisplayName(ctx context.Context, id, name string) error {
	return s.write(ctx, func(tx Tx) error { return tx.UpdateDisplayName(ctx, id, name) })
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return s.write(ctx, func(tx Tx) error { return tx.InsertTransaction(ctx, tr) })
}

func (s *MemoryStore) SetTransactionStatus(ctx context.Context, id string, status model.TransactionStatus, at time.Time) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetTransactionStatus(ctx, id, status, at) })
}

func (s *MemoryStore) SetExternalPaymentID(ctx context.Context, id, externalID string, at time.Time) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetExternalPaymentID(ctx, id, externalID, at) })
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess *model.GameSession) error {
	return s.write(ctx, func(tx Tx) error { return tx.CreateSession(ctx, sess) })
}

func (s *MemoryStore) TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, at time.Time, reason string) error {
	return s.write(ctx, func(tx Tx) error { return tx.TransitionSession(ctx, id, from, to, at, reason) })
}

func (s *MemoryStore) SetGameState(ctx context.Context, sessionID string, state json.RawMessage) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetGameState(ctx, sessionID, state) })
}

func (s *MemoryStore) InsertParticipant(ctx context.Context, p *model.Participant) error {
	return s.write(ctx, func(tx Tx) error { return tx.InsertParticipant(ctx, p) })
}

func (s *MemoryStore) DeleteParticipant(ctx context.Context, sessionID, userID string) error {
	return s.write(ctx, func(tx Tx) error { return tx.DeleteParticipant(ctx, sessionID, userID) })
}

func (s *MemoryStore) UpdateParticipantResult(ctx context.Context, p *model.Participant) error {
	return s.write(ctx, func(tx Tx) error { return tx.UpdateParticipantResult(ctx, p) })
}

func (s *MemoryStore) SetParticipantConnected(ctx context.Context, sessionID, userID string, connected bool, at time.Time) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetParticipantConnected(ctx, sessionID, userID, connected, at) })
}

func (s *MemoryStore) InsertSettlement(ctx context.Context, sm *model.Settlement) error {
	return s.write(ctx, func(tx Tx) error { return tx.InsertSettlement(ctx, sm) })
}

func (s *MemoryStore) AddLeaderboardResult(ctx context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error {
	return s.write(ctx, func(tx Tx) error { return tx.AddLeaderboardResult(ctx, date, userID, score, distance, at) })
}

func (s *MemoryStore) SetLeaderboardRank(ctx context.Context, date, userID string, rank int, prize decimal.Decimal) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetLeaderboardRank(ctx, date, userID, rank, prize) })
}

func (s *MemoryStore) AddToPrizePool(ctx context.Context, date string, amount decimal.Decimal) error {
	return s.write(ctx, func(tx Tx) error { return tx.AddToPrizePool(ctx, date, amount) })
}

func (s *MemoryStore) FinalizeDay(ctx context.Context, date string, at time.Time) error {
	return s.write(ctx, func(tx Tx) error { return tx.FinalizeDay(ctx, date, at) })
}

func (s *MemoryStore) SetConfig(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx Tx) error { return tx.SetConfig(ctx, key, value) })
}

func (s *MemoryStore) ResetTokens(ctx context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	var out bool
	err := s.write(ctx, func(tx Tx) (err error) {
		out, err = tx.ResetTokens(ctx, userID, count, resetAt)
		return err
	})
	return out, err
}

func (s *MemoryStore) ConsumeToken(ctx context.Context, userID string) (int, error) {
	var out int
	err := s.write(ctx, func(tx Tx) (err error) {
		out, err = tx.ConsumeToken(ctx, userID)
		return err
	})
	return out, err
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.write(ctx, func(tx Tx) (err error) {
		out, err = tx.AdjustBalance(ctx, userID, delta)
		return err
	})
	return out, err
}

func (s *MemoryStore) AddPlayer(ctx context.Context, sessionID string) (int, error) {
	var out int
	err := s.write(ctx, func(tx Tx) (err error) {
		out, err = tx.AddPlayer(ctx, sessionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) RemovePlayer(ctx context.Context, sessionID string) (int, error) {
	var out int
	err := s.write(ctx, func(tx Tx) (err error) {
		out, err = tx.RemovePlayer(ctx, sessionID)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetPrizePool(ctx context.Context, date string) (decimal.Decimal, bool, error) {
	var amount decimal.Decimal
	var finalized bool
	err := s.read(func(tx *memTx) (err error) {
		amount, finalized, err = tx.GetPrizePool(ctx, date)
		return err
	})
	return amount, finalized, err
}
