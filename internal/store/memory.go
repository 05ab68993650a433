package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx works on a copy of the whole state and swaps it in on success, so a
// failed transaction leaves nothing behind, the same as a database rollback.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memPool struct {
	amount      decimal.Decimal
	finalizedAt *time.Time
}

type memState struct {
	users        map[string]model.User
	sessions     map[string]model.GameSession
	participants map[string]map[string]model.Participant
	txs          []model.Transaction
	txIndex      map[string]int
	settlements  map[string]model.Settlement
	board        map[string]map[string]model.DailyLeaderboardEntry
	pools        map[string]memPool
	config       map[string]string
	seq          int64
}

func newMemState() *memState {
	return &memState{
		users:        make(map[string]model.User),
		sessions:     make(map[string]model.GameSession),
		participants: make(map[string]map[string]model.Participant),
		txIndex:      make(map[string]int),
		settlements:  make(map[string]model.Settlement),
		board:        make(map[string]map[string]model.DailyLeaderboardEntry),
		pools:        make(map[string]memPool),
		config:       make(map[string]string),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		users:        maps.Clone(st.users),
		sessions:     maps.Clone(st.sessions),
		participants: make(map[string]map[string]model.Participant, len(st.participants)),
		txs:          slices.Clone(st.txs),
		txIndex:      maps.Clone(st.txIndex),
		settlements:  maps.Clone(st.settlements),
		board:        make(map[string]map[string]model.DailyLeaderboardEntry, len(st.board)),
		pools:        maps.Clone(st.pools),
		config:       maps.Clone(st.config),
		seq:          st.seq,
	}
	for k, v := range st.participants {
		c.participants[k] = maps.Clone(v)
	}
	for k, v := range st.board {
		c.board[k] = maps.Clone(v)
	}
	return c
}

// InTx runs fn against a private copy of the state.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// read runs fn against the live state under a read lock.
func (s *MemoryStore) read(fn func(tx *memTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state})
}

// write runs fn as a single-statement transaction.
func (s *MemoryStore) write(ctx context.Context, fn func(tx Tx) error) error {
	return s.InTx(ctx, fn)
}

// memTx implements Tx over one memState. It performs no locking; the
// owning MemoryStore holds the lock for the duration.
type memTx struct {
	st *memState
}

// --- Users ---

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrDuplicate)
	}
	t.st.users[u.ID] = *u
	return nil
}

func (t *memTx) UpdateDisplayName(_ context.Context, id, name string) error {
	u, ok := t.st.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.DisplayName = name
	t.st.users[id] = u
	return nil
}

func (t *memTx) ResetTokens(_ context.Context, userID string, count int, resetAt time.Time) (bool, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if !u.LastTokenReset.Before(resetAt) {
		return false, nil
	}
	u.TokensRemaining = count
	u.LastTokenReset = resetAt
	t.st.users[userID] = u
	return true, nil
}

func (t *memTx) ConsumeToken(_ context.Context, userID string) (int, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if u.TokensRemaining <= 0 {
		return 0, ErrConditionFailed
	}
	u.TokensRemaining--
	t.st.users[userID] = u
	return u.TokensRemaining, nil
}

func (t *memTx) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	u, ok := t.st.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return u.Balance, ErrConditionFailed
	}
	u.Balance = next
	t.st.users[userID] = u
	return next, nil
}

// --- Immutable ledger ---

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	if _, ok := t.st.txIndex[tr.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tr.ID, ErrDuplicate)
	}
	if tr.ExternalPaymentID != "" {
		for _, existing := range t.st.txs {
			if existing.ExternalPaymentID == tr.ExternalPaymentID {
				return fmt.Errorf("external payment %s: %w", tr.ExternalPaymentID, ErrDuplicate)
			}
		}
	}
	t.st.txIndex[tr.ID] = len(t.st.txs)
	t.st.txs = append(t.st.txs, *tr)
	return nil
}

func (t *memTx) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	i, ok := t.st.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	tr := t.st.txs[i]
	return &tr, nil
}

func (t *memTx) GetTransactionByExternalID(_ context.Context, externalID string) (*model.Transaction, error) {
	for _, tr := range t.st.txs {
		if tr.ExternalPaymentID == externalID {
			found := tr
			return &found, nil
		}
	}
	return nil, fmt.Errorf("external payment %s: %w", externalID, ErrNotFound)
}

func (t *memTx) SetTransactionStatus(_ context.Context, id string, status model.TransactionStatus, at time.Time) error {
	i, ok := t.st.txIndex[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if t.st.txs[i].Status != model.TxPending {
		return ErrConditionFailed
	}
	t.st.txs[i].Status = status
	t.st.txs[i].UpdatedAt = at
	return nil
}

func (t *memTx) SetExternalPaymentID(_ context.Context, id, externalID string, at time.Time) error {
	i, ok := t.st.txIndex[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	switch t.st.txs[i].ExternalPaymentID {
	case externalID:
		return nil
	case "":
	default:
		return ErrConditionFailed
	}
	for j, existing := range t.st.txs {
		if j != i && existing.ExternalPaymentID == externalID {
			return fmt.Errorf("external payment %s: %w", externalID, ErrDuplicate)
		}
	}
	t.st.txs[i].ExternalPaymentID = externalID
	t.st.txs[i].UpdatedAt = at
	return nil
}

func (t *memTx) ListTransactionsByUser(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	var result []model.Transaction
	for i := len(t.st.txs) - 1; i >= 0; i-- {
		if t.st.txs[i].UserID == userID {
			result = append(result, t.st.txs[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (t *memTx) ListTransactionsBySession(_ context.Context, sessionID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, tr := range t.st.txs {
		if tr.SessionID == sessionID {
			result = append(result, tr)
		}
	}
	return result, nil
}

func (t *memTx) SumCompleted(_ context.Context, userID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tr := range t.st.txs {
		if tr.UserID == userID && tr.Status == model.TxCompleted {
			sum = sum.Add(tr.Amount)
		}
	}
	return sum, nil
}

// --- Sessions ---

func (t *memTx) CreateSession(_ context.Context, s *model.GameSession) error {
	if _, ok := t.st.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrDuplicate)
	}
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (*model.GameSession, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (t *memTx) ListSessions(_ context.Context, f SessionFilter) ([]model.GameSession, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	result := make([]model.GameSession, 0)
	for _, s := range t.st.sessions {
		if f.Status == "" || s.Status == f.Status {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) TransitionSession(_ context.Context, id string, from []model.SessionStatus, to model.SessionStatus, at time.Time, reason string) error {
	s, ok := t.st.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if !slices.Contains(from, s.Status) {
		return ErrConditionFailed
	}
	s.Status = to
	stamp := at
	switch to {
	case model.StatusStarting:
		s.StartingAt = &stamp
	case model.StatusActive:
		s.StartedAt = &stamp
	case model.StatusCompleted:
		s.EndedAt = &stamp
	case model.StatusCancelled:
		s.EndedAt = &stamp
		s.CancelReason = reason
	}
	t.st.sessions[id] = s
	return nil
}

func (t *memTx) AddPlayer(_ context.Context, sessionID string) (int, error) {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.CurrentPlayers >= s.MaxPlayers {
		return s.CurrentPlayers, ErrConditionFailed
	}
	s.CurrentPlayers++
	t.st.sessions[sessionID] = s
	return s.CurrentPlayers, nil
}

func (t *memTx) RemovePlayer(_ context.Context, sessionID string) (int, error) {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.CurrentPlayers <= 0 {
		return 0, ErrConditionFailed
	}
	s.CurrentPlayers--
	t.st.sessions[sessionID] = s
	return s.CurrentPlayers, nil
}

func (t *memTx) SetGameState(_ context.Context, sessionID string, state json.RawMessage) error {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	s.GameState = slices.Clone(state)
	t.st.sessions[sessionID] = s
	return nil
}

// --- Participants ---

func (t *memTx) InsertParticipant(_ context.Context, p *model.Participant) error {
	room := t.st.participants[p.SessionID]
	if room == nil {
		room = make(map[string]model.Participant)
		t.st.participants[p.SessionID] = room
	}
	if _, ok := room[p.UserID]; ok {
		return fmt.Errorf("participant %s/%s: %w", p.SessionID, p.UserID, ErrDuplicate)
	}
	t.st.seq++
	p.Seq = t.st.seq
	room[p.UserID] = *p
	return nil
}

func (t *memTx) GetParticipant(_ context.Context, sessionID, userID string) (*model.Participant, error) {
	p, ok := t.st.participants[sessionID][userID]
	if !ok {
		return nil, fmt.Errorf("participant %s/%s: %w", sessionID, userID, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) ListParticipants(_ context.Context, sessionID string) ([]model.Participant, error) {
	room := t.st.participants[sessionID]
	result := make([]model.Participant, 0, len(room))
	for _, p := range room {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (t *memTx) DeleteParticipant(_ context.Context, sessionID, userID string) error {
	if _, ok := t.st.participants[sessionID][userID]; !ok {
		return fmt.Errorf("participant %s/%s: %w", sessionID, userID, ErrNotFound)
	}
	delete(t.st.participants[sessionID], userID)
	return nil
}

func (t *memTx) UpdateParticipantResult(_ context.Context, p *model.Participant) error {
	cur, ok := t.st.participants[p.SessionID][p.UserID]
	if !ok {
		return fmt.Errorf("participant %s/%s: %w", p.SessionID, p.UserID, ErrNotFound)
	}
	cur.Score = p.Score
	cur.DistanceTraveled = p.DistanceTraveled
	cur.SurvivalTime = p.SurvivalTime
	cur.Placement = p.Placement
	cur.FinishedAt = p.FinishedAt
	t.st.participants[p.SessionID][p.UserID] = cur
	return nil
}

func (t *memTx) SetParticipantConnected(_ context.Context, sessionID, userID string, connected bool, at time.Time) error {
	cur, ok := t.st.participants[sessionID][userID]
	if !ok {
		return fmt.Errorf("participant %s/%s: %w", sessionID, userID, ErrNotFound)
	}
	cur.Connected = connected
	if connected {
		cur.DisconnectedAt = nil
	} else {
		stamp := at
		cur.DisconnectedAt = &stamp
	}
	t.st.participants[sessionID][userID] = cur
	return nil
}

// --- Settlement ---

func (t *memTx) InsertSettlement(_ context.Context, s *model.Settlement) error {
	if _, ok := t.st.settlements[s.SessionID]; ok {
		return fmt.Errorf("settlement %s: %w", s.SessionID, ErrDuplicate)
	}
	t.st.settlements[s.SessionID] = *s
	return nil
}

func (t *memTx) GetSettlement(_ context.Context, sessionID string) (*model.Settlement, error) {
	s, ok := t.st.settlements[sessionID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", sessionID, ErrNotFound)
	}
	return &s, nil
}

// --- Daily leaderboard ---

func (t *memTx) AddLeaderboardResult(_ context.Context, date, userID string, score int64, distance decimal.Decimal, at time.Time) error {
	day := t.st.board[date]
	if day == nil {
		day = make(map[string]model.DailyLeaderboardEntry)
		t.st.board[date] = day
	}
	e, ok := day[userID]
	if !ok {
		e = model.DailyLeaderboardEntry{Date: date, UserID: userID, BestDistance: decimal.Zero, PrizeAmount: decimal.Zero}
	}
	e.TotalScore += score
	e.GamesPlayed++
	if distance.GreaterThan(e.BestDistance) {
		e.BestDistance = distance
	}
	e.UpdatedAt = at
	day[userID] = e
	return nil
}

func (t *memTx) ListLeaderboard(_ context.Context, date string) ([]model.DailyLeaderboardEntry, error) {
	day := t.st.board[date]
	result := make([]model.DailyLeaderboardEntry, 0, len(day))
	for _, e := range day {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (t *memTx) ListLeaderboardRange(_ context.Context, fromDate, toDate string) ([]model.DailyLeaderboardEntry, error) {
	var result []model.DailyLeaderboardEntry
	for date, day := range t.st.board {
		if date < fromDate || date > toDate {
			continue
		}
		for _, e := range day {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date == result[j].Date {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Date < result[j].Date
	})
	return result, nil
}

func (t *memTx) SetLeaderboardRank(_ context.Context, date, userID string, rank int, prize decimal.Decimal) error {
	e, ok := t.st.board[date][userID]
	if !ok {
		return fmt.Errorf("leaderboard %s/%s: %w", date, userID, ErrNotFound)
	}
	e.Rank = rank
	e.PrizeAmount = prize
	t.st.board[date][userID] = e
	return nil
}

func (t *memTx) AddToPrizePool(_ context.Context, date string, amount decimal.Decimal) error {
	p := t.st.pools[date]
	if p.finalizedAt != nil {
		return ErrConditionFailed
	}
	p.amount = p.amount.Add(amount)
	t.st.pools[date] = p
	return nil
}

func (t *memTx) GetPrizePool(_ context.Context, date string) (decimal.Decimal, bool, error) {
	p := t.st.pools[date]
	return p.amount, p.finalizedAt != nil, nil
}

func (t *memTx) FinalizeDay(_ context.Context, date string, at time.Time) error {
	p := t.st.pools[date]
	if p.finalizedAt != nil {
		return ErrConditionFailed
	}
	stamp := at
	p.finalizedAt = &stamp
	t.st.pools[date] = p
	return nil
}

func (t *memTx) ListUnfinalizedDays(_ context.Context, before string) ([]string, error) {
	seen := make(map[string]bool)
	for date := range t.st.board {
		seen[date] = true
	}
	for date := range t.st.pools {
		seen[date] = true
	}
	var days []string
	for date := range seen {
		if date < before && t.st.pools[date].finalizedAt == nil {
			days = append(days, date)
		}
	}
	sort.Strings(days)
	return days, nil
}

// --- Game config ---

func (t *memTx) GetConfig(_ context.Context) (map[string]string, error) {
	return maps.Clone(t.st.config), nil
}

func (t *memTx) SetConfig(_ context.Context, key, value string) error {
	t.st.config[key] = value
	return nil
}
