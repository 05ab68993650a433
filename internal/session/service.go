// Package session implements the race room lifecycle:
// WAITING → STARTING → ACTIVE → COMPLETED, or CANCELLED from any
// non-terminal state.
//
// Every operation runs in one store transaction that locks the session row,
// so joins on a session serialize and nothing is half applied on failure.
// Lobby, countdown, game and disconnect timeouts are checked lazily: the
// first access after a deadline applies the transition and commits it
// before the requested operation runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/leaderboard"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/metrics"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/settlement"
	"github.com/whopracer/race-engine/internal/store"
	"github.com/whopracer/race-engine/internal/tokens"
)

// Cancel reasons recorded on the session row.
const (
	ReasonLobbyTimeout    = "lobby_timeout"
	ReasonGameTimeout     = "game_timeout"
	ReasonAllDisconnected = "all_disconnected"
	ReasonCreatorLeft     = "creator_left"
	ReasonCancelled       = "cancelled_by_creator"
)

// Deps are the collaborators a Service needs.
type Deps struct {
	Store       store.Store
	Ledger      *ledger.Ledger
	Tokens      *tokens.Gate
	Settlement  *settlement.Engine
	Leaderboard *leaderboard.Aggregator
	Clock       clockwork.Clock
	Events      events.Publisher
}

// Service runs session operations.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	tokens *tokens.Gate
	settle *settlement.Engine
	board  *leaderboard.Aggregator
	clock  clockwork.Clock
	events events.Publisher
}

// NewService creates a session service.
func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Service{
		store:  d.Store,
		ledger: d.Ledger,
		tokens: d.Tokens,
		settle: d.Settlement,
		board:  d.Leaderboard,
		clock:  d.Clock,
		events: d.Events,
	}
}

// View is a session with its participants and, once settled, its settlement.
type View struct {
	Session      *model.GameSession  `json:"session"`
	Participants []model.Participant `json:"participants"`
	Settlement   *model.Settlement   `json:"settlement,omitempty"`
}

// JoinResult is returned by Create and Join.
type JoinResult struct {
	Session         *model.GameSession `json:"session"`
	Participant     *model.Participant `json:"participant"`
	TokensRemaining int                `json:"tokens_remaining"`
}

// StartResult reports whether Start moved the session out of WAITING.
type StartResult struct {
	Session *model.GameSession `json:"session"`
	Started bool               `json:"started"`
}

// Result is one player's final race outcome as reported on completion.
type Result struct {
	UserID       string          `json:"user_id"`
	Score        int64           `json:"score"`
	Distance     decimal.Decimal `json:"distance"`
	SurvivalTime decimal.Decimal `json:"survival_time"`
}

// Outcome is returned by Complete.
type Outcome struct {
	Session      *model.GameSession  `json:"session"`
	Participants []model.Participant `json:"participants"`
	Settlement   *model.Settlement   `json:"settlement"`
}

// run executes fn in a transaction and publishes the events it raised only
// after a successful commit.
func (s *Service) run(ctx context.Context, fn func(tx store.Tx, batch *events.Batch) error) error {
	var batch events.Batch
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		batch.Discard()
		return fn(tx, &batch)
	})
	if err != nil {
		return err
	}
	batch.Flush(ctx, s.events)
	return nil
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func lockSession(ctx context.Context, tx store.Tx, id string) (*model.GameSession, error) {
	sess, err := tx.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// sweep applies any elapsed timeout on the session and commits it.
func (s *Service) sweep(ctx context.Context, id string) error {
	return s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		return s.advanceTx(ctx, tx, sess, set, batch)
	})
}

// advanceTx applies elapsed deadlines until the session is stable.
func (s *Service) advanceTx(ctx context.Context, tx store.Tx, sess *model.GameSession, set config.Settings, batch *events.Batch) error {
	now := s.now()
	for range 3 {
		switch sess.Status {
		case model.StatusWaiting:
			if set.LobbyTimeout > 0 && !now.Before(sess.CreatedAt.Add(set.LobbyTimeout)) {
				return s.cancelTx(ctx, tx, sess, ReasonLobbyTimeout, batch)
			}
			return nil

		case model.StatusStarting:
			gone, err := allGone(ctx, tx, sess.ID, set.DisconnectGrace, now)
			if err != nil {
				return err
			}
			if gone {
				return s.cancelTx(ctx, tx, sess, ReasonAllDisconnected, batch)
			}
			if sess.StartingAt != nil && now.Before(sess.StartingAt.Add(set.Countdown)) {
				return nil
			}
			if err := s.activateTx(ctx, tx, sess, batch); err != nil {
				return err
			}

		case model.StatusActive:
			if set.GameTimeout > 0 && sess.StartedAt != nil && !now.Before(sess.StartedAt.Add(set.GameTimeout)) {
				return s.cancelTx(ctx, tx, sess, ReasonGameTimeout, batch)
			}
			gone, err := allGone(ctx, tx, sess.ID, set.DisconnectGrace, now)
			if err != nil {
				return err
			}
			if gone {
				return s.cancelTx(ctx, tx, sess, ReasonAllDisconnected, batch)
			}
			return nil

		default:
			return nil
		}
	}
	return nil
}

// allGone reports whether every participant has been disconnected for at
// least grace.
func allGone(ctx context.Context, tx store.Tx, sessionID string, grace time.Duration, now time.Time) (bool, error) {
	participants, err := tx.ListParticipants(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(participants) == 0 {
		return false, nil
	}
	for _, p := range participants {
		if p.Connected || p.DisconnectedAt == nil || now.Before(p.DisconnectedAt.Add(grace)) {
			return false, nil
		}
	}
	return true, nil
}

// --- Create / Join ---

// Create opens a WAITING session and joins the creator to it, paying the
// entry fee and spending a token like any other joiner.
func (s *Service) Create(ctx context.Context, creatorID string, entryFee decimal.Decimal, maxPlayers int) (*JoinResult, error) {
	var res *JoinResult
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		if entryFee.LessThan(set.MinEntryFee) || entryFee.GreaterThan(set.MaxEntryFee) {
			return apperr.Validation("entry fee must be between %s and %s",
				set.MinEntryFee.StringFixed(model.MoneyScale), set.MaxEntryFee.StringFixed(model.MoneyScale))
		}
		if err := ledger.ValidateAmount(entryFee); err != nil {
			return err
		}
		if maxPlayers < 1 || maxPlayers > set.MaxPlayers {
			return apperr.Validation("max players must be between 1 and %d", set.MaxPlayers)
		}

		now := s.now()
		sess := &model.GameSession{
			ID:         uuid.New().String(),
			CreatorID:  creatorID,
			EntryFee:   entryFee,
			MaxPlayers: maxPlayers,
			Status:     model.StatusWaiting,
			CreatedAt:  now,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		res, err = s.joinTx(ctx, tx, sess, creatorID, set, batch)
		if err != nil {
			return err
		}
		batch.Add(events.New(events.SessionCreated, sess.ID, creatorID, now, res.Session))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	slog.Info("session created",
		"session_id", res.Session.ID,
		"user_id", creatorID,
		"entry_fee", entryFee.StringFixed(model.MoneyScale),
		"max_players", maxPlayers,
	)
	return res, nil
}

// Join admits userID to a WAITING session: one token is consumed, the
// entry fee is debited, the participant row is inserted and the player
// count incremented, all or nothing.
func (s *Service) Join(ctx context.Context, sessionID, userID string) (*JoinResult, error) {
	res, err := s.join(ctx, sessionID, userID)
	if err != nil {
		metrics.Joins.WithLabelValues(string(apperr.From(err).Code)).Inc()
		return nil, err
	}
	metrics.Joins.WithLabelValues("ok").Inc()
	slog.Info("player joined",
		"session_id", sessionID,
		"user_id", userID,
		"players", res.Session.CurrentPlayers,
		"tokens_remaining", res.TokensRemaining,
	)
	return res, nil
}

func (s *Service) join(ctx context.Context, sessionID, userID string) (*JoinResult, error) {
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	var res *JoinResult
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		res, err = s.joinTx(ctx, tx, sess, userID, set, batch)
		return err
	})
	return res, err
}

func (s *Service) joinTx(ctx context.Context, tx store.Tx, sess *model.GameSession, userID string, set config.Settings, batch *events.Batch) (*JoinResult, error) {
	if sess.CurrentPlayers >= sess.MaxPlayers {
		return nil, apperr.ErrSessionFull
	}
	if sess.Status != model.StatusWaiting {
		return nil, apperr.ErrSessionStarted
	}
	if _, err := tx.GetParticipant(ctx, sess.ID, userID); err == nil {
		return nil, apperr.ErrAlreadyInSession
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	remaining, err := s.tokens.Consume(ctx, tx, userID, set.DailyTokenCount)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
		UserID:    userID,
		SessionID: sess.ID,
		Amount:    sess.EntryFee,
		Type:      model.TxEntryFee,
	}); err != nil {
		return nil, err
	}

	now := s.now()
	p := &model.Participant{
		SessionID:        sess.ID,
		UserID:           userID,
		PaidAmount:       sess.EntryFee,
		DistanceTraveled: decimal.Zero,
		SurvivalTime:     decimal.Zero,
		Connected:        true,
		JoinedAt:         now,
	}
	if err := tx.InsertParticipant(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.ErrAlreadyInSession
		}
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	count, err := tx.AddPlayer(ctx, sess.ID)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, apperr.ErrSessionFull
	}
	if err != nil {
		return nil, err
	}
	sess.CurrentPlayers = count
	metrics.TokensConsumed.Inc()

	batch.Add(events.New(events.PlayerJoined, sess.ID, userID, now, map[string]any{
		"participant":      p,
		"current_players":  count,
		"tokens_remaining": remaining,
	}))
	return &JoinResult{Session: sess, Participant: p, TokensRemaining: remaining}, nil
}

// --- Start ---

// Start moves a WAITING session to STARTING once the minimum player count
// is met, or unconditionally when force is set. With a zero countdown the
// session goes straight on to ACTIVE. Only the creator may start.
func (s *Service) Start(ctx context.Context, sessionID, callerID string, force bool) (*StartResult, error) {
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	var res *StartResult
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.CreatorID != callerID {
			return apperr.ErrNotCreator
		}
		if sess.Status != model.StatusWaiting {
			return apperr.ErrInvalidTransition
		}
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		// A room smaller than the configured minimum starts once it is full.
		if sess.CurrentPlayers < min(set.MinPlayers, sess.MaxPlayers) && !force {
			res = &StartResult{Session: sess, Started: false}
			return nil
		}

		now := s.now()
		if err := tx.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.StatusWaiting}, model.StatusStarting, now, ""); err != nil {
			return transitionErr(err)
		}
		sess.Status = model.StatusStarting
		sess.StartingAt = &now

		participants, err := tx.ListParticipants(ctx, sess.ID)
		if err != nil {
			return err
		}
		state := newState(sess, participants, now)
		if err := tx.SetGameState(ctx, sess.ID, state.encode()); err != nil {
			return err
		}
		sess.GameState = state.encode()
		batch.Add(events.New(events.SessionStarting, sess.ID, callerID, now, state))

		if set.Countdown == 0 {
			if err := s.activateTx(ctx, tx, sess, batch); err != nil {
				return err
			}
		}
		res = &StartResult{Session: sess, Started: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Started {
		slog.Info("session started", "session_id", sessionID, "status", res.Session.Status, "forced", force)
	}
	return res, nil
}

func (s *Service) activateTx(ctx context.Context, tx store.Tx, sess *model.GameSession, batch *events.Batch) error {
	now := s.now()
	if err := tx.TransitionSession(ctx, sess.ID, []model.SessionStatus{model.StatusStarting}, model.StatusActive, now, ""); err != nil {
		return transitionErr(err)
	}
	sess.Status = model.StatusActive
	sess.StartedAt = &now

	state := decodeState(sess)
	state.UpdatedAt = now
	if err := tx.SetGameState(ctx, sess.ID, state.encode()); err != nil {
		return err
	}
	sess.GameState = state.encode()
	batch.Add(events.New(events.SessionStarted, sess.ID, "", now, state))
	return nil
}

// --- Inputs ---

// RecordInput applies a control message from a participant of an ACTIVE
// session and returns the updated game state.
func (s *Service) RecordInput(ctx context.Context, sessionID, userID string, in Input) (*GameState, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	var out GameState
	err := s.run(ctx, func(tx store.Tx, _ *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != model.StatusActive {
			return apperr.ErrSessionNotActive
		}
		if _, err := tx.GetParticipant(ctx, sessionID, userID); errors.Is(err, store.ErrNotFound) {
			return apperr.ErrNotParticipant
		} else if err != nil {
			return err
		}
		out = decodeState(sess)
		out.apply(userID, in, s.now())
		return tx.SetGameState(ctx, sessionID, out.encode())
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// State returns the current game state for a full client resync.
func (s *Service) State(ctx context.Context, sessionID string) (*GameState, error) {
	v, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := decodeState(v.Session)
	if len(v.Session.GameState) == 0 {
		st = newState(v.Session, v.Participants, s.now())
	}
	for _, p := range v.Participants {
		ps := st.Players[p.UserID]
		ps.Connected = p.Connected
		st.Players[p.UserID] = ps
	}
	return &st, nil
}

// --- Complete ---

// Complete records final results for an ACTIVE session, ranks the players,
// marks it COMPLETED, adds the results to today's leaderboard and settles
// the pool, all in one transaction. Only the creator may complete.
func (s *Service) Complete(ctx context.Context, sessionID, callerID string, results []Result) (*Outcome, error) {
	if err := s.board.EnsureRolledOver(ctx); err != nil {
		slog.Error("leaderboard rollover failed", "error", err)
	}
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}

	var out *Outcome
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.CreatorID != callerID {
			return apperr.ErrNotCreator
		}
		if sess.Status != model.StatusActive {
			return apperr.ErrSessionNotActive
		}
		participants, err := tx.ListParticipants(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := applyResults(participants, results); err != nil {
			return err
		}
		Place(participants)

		now := s.now()
		for i := range participants {
			participants[i].FinishedAt = &now
			if err := tx.UpdateParticipantResult(ctx, &participants[i]); err != nil {
				return err
			}
		}
		if err := tx.TransitionSession(ctx, sessionID, []model.SessionStatus{model.StatusActive}, model.StatusCompleted, now, ""); err != nil {
			return transitionErr(err)
		}
		sess.Status = model.StatusCompleted
		sess.EndedAt = &now

		state := decodeState(sess)
		state.UpdatedAt = now
		if err := tx.SetGameState(ctx, sessionID, state.encode()); err != nil {
			return err
		}
		sess.GameState = state.encode()

		if err := s.board.RecordSessionTx(ctx, tx, model.DayKey(now), participants); err != nil {
			return err
		}
		batch.Add(events.New(events.SessionCompleted, sessionID, "", now, map[string]any{
			"session": sess,
			"results": participants,
		}))

		settled, _, err := s.settle.SettleTx(ctx, tx, sessionID, batch)
		if err != nil {
			return fmt.Errorf("settle session %s: %w", sessionID, err)
		}
		out = &Outcome{Session: sess, Participants: participants, Settlement: settled}
		return nil
	})
	if err != nil {
		if apperr.From(err).Kind() == apperr.KindInternal {
			slog.Error("session completion failed", "session_id", sessionID, "error", err)
		}
		return nil, err
	}

	metrics.SessionsEnded.WithLabelValues(string(model.StatusCompleted), "").Inc()
	slog.Info("session completed",
		"session_id", sessionID,
		"winner_id", out.Participants[0].UserID,
		"pool", out.Settlement.Pool.StringFixed(model.MoneyScale),
	)
	return out, nil
}

// applyResults copies reported results onto the participants. Players
// without a reported result keep zero scores.
func applyResults(participants []model.Participant, results []Result) error {
	index := make(map[string]int, len(participants))
	for i, p := range participants {
		index[p.UserID] = i
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		i, ok := index[r.UserID]
		if !ok {
			return &apperr.Error{Code: apperr.CodeNotParticipant, Message: fmt.Sprintf("result for non-participant %q", r.UserID)}
		}
		if seen[r.UserID] {
			return apperr.Validation("duplicate result for %q", r.UserID)
		}
		seen[r.UserID] = true
		if r.Score < 0 || r.Distance.IsNegative() || r.SurvivalTime.IsNegative() {
			return apperr.Validation("result for %q has negative values", r.UserID)
		}
		participants[i].Score = r.Score
		participants[i].DistanceTraveled = r.Distance.Round(model.MoneyScale)
		participants[i].SurvivalTime = r.SurvivalTime.Round(3)
	}
	return nil
}

// Place sorts participants by score (highest first), then survival time
// (lowest first), then join order, and assigns placements from 1.
func Place(participants []model.Participant) {
	sort.SliceStable(participants, func(i, j int) bool {
		a, b := participants[i], participants[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if c := a.SurvivalTime.Cmp(b.SurvivalTime); c != 0 {
			return c < 0
		}
		return a.Seq < b.Seq
	})
	for i := range participants {
		participants[i].Placement = i + 1
	}
}

// --- Cancel / Leave ---

// Cancel refunds every participant in full and marks the session
// CANCELLED. Only the creator may cancel.
func (s *Service) Cancel(ctx context.Context, sessionID, callerID, reason string) (*model.GameSession, error) {
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = ReasonCancelled
	}
	var out *model.GameSession
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.CreatorID != callerID {
			return apperr.ErrNotCreator
		}
		if sess.Status.Terminal() {
			return apperr.ErrInvalidTransition
		}
		if err := s.cancelTx(ctx, tx, sess, reason, batch); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *Service) cancelTx(ctx context.Context, tx store.Tx, sess *model.GameSession, reason string, batch *events.Batch) error {
	now := s.now()
	participants, err := tx.ListParticipants(ctx, sess.ID)
	if err != nil {
		return err
	}
	refunded := 0
	for _, p := range participants {
		if err := s.refund(ctx, tx, sess.ID, p, reason); err != nil {
			return err
		}
		refunded++
	}

	from := []model.SessionStatus{model.StatusWaiting, model.StatusStarting, model.StatusActive}
	if err := tx.TransitionSession(ctx, sess.ID, from, model.StatusCancelled, now, reason); err != nil {
		return transitionErr(err)
	}
	sess.Status = model.StatusCancelled
	sess.EndedAt = &now
	sess.CancelReason = reason

	metrics.SessionsEnded.WithLabelValues(string(model.StatusCancelled), reason).Inc()
	batch.Add(events.New(events.SessionCancelled, sess.ID, "", now, map[string]any{
		"session":  sess,
		"reason":   reason,
		"refunded": refunded,
	}))
	slog.Info("session cancelled", "session_id", sess.ID, "reason", reason, "refunded", refunded)
	return nil
}

func (s *Service) refund(ctx context.Context, tx store.Tx, sessionID string, p model.Participant, reason string) error {
	if !p.PaidAmount.IsPositive() {
		return nil
	}
	_, err := s.ledger.Credit(ctx, tx, ledger.Entry{
		UserID:    p.UserID,
		SessionID: sessionID,
		Amount:    p.PaidAmount,
		Type:      model.TxRefund,
		Metadata:  map[string]string{"reason": reason},
	})
	if err != nil {
		return fmt.Errorf("refund %s: %w", p.UserID, err)
	}
	metrics.Refunds.Inc()
	return nil
}

// Leave removes userID from a WAITING session with a full refund; the
// token stays spent. The creator leaving cancels the session. In STARTING
// or ACTIVE it is treated as a disconnect.
func (s *Service) Leave(ctx context.Context, sessionID, userID string) (*model.GameSession, error) {
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	var out *model.GameSession
	err := s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		p, err := tx.GetParticipant(ctx, sessionID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrNotParticipant
		}
		if err != nil {
			return err
		}
		out = sess

		switch sess.Status {
		case model.StatusWaiting:
			if userID == sess.CreatorID {
				return s.cancelTx(ctx, tx, sess, ReasonCreatorLeft, batch)
			}
			if err := s.refund(ctx, tx, sessionID, *p, "left"); err != nil {
				return err
			}
			if err := tx.DeleteParticipant(ctx, sessionID, userID); err != nil {
				return err
			}
			count, err := tx.RemovePlayer(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("remove player: %w", err)
			}
			sess.CurrentPlayers = count
			batch.Add(events.New(events.PlayerLeft, sessionID, userID, s.now(), map[string]any{
				"current_players": count,
			}))
			return nil

		case model.StatusStarting, model.StatusActive:
			return s.setConnectedTx(ctx, tx, sess, userID, false, batch)
		}
		return nil
	})
	return out, err
}

// --- Connection tracking ---

// Disconnect marks a participant as not connected. It is never removed;
// when everyone has been gone for the grace period the session cancels.
func (s *Service) Disconnect(ctx context.Context, sessionID, userID string) error {
	return s.setConnected(ctx, sessionID, userID, false)
}

// Reconnect marks a participant as connected again.
func (s *Service) Reconnect(ctx context.Context, sessionID, userID string) error {
	return s.setConnected(ctx, sessionID, userID, true)
}

func (s *Service) setConnected(ctx context.Context, sessionID, userID string, connected bool) error {
	if err := s.sweep(ctx, sessionID); err != nil {
		return err
	}
	return s.run(ctx, func(tx store.Tx, batch *events.Batch) error {
		sess, err := lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		return s.setConnectedTx(ctx, tx, sess, userID, connected, batch)
	})
}

func (s *Service) setConnectedTx(ctx context.Context, tx store.Tx, sess *model.GameSession, userID string, connected bool, batch *events.Batch) error {
	p, err := tx.GetParticipant(ctx, sess.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.ErrNotParticipant
	}
	if err != nil {
		return err
	}
	if p.Connected == connected {
		return nil
	}
	now := s.now()
	if err := tx.SetParticipantConnected(ctx, sess.ID, userID, connected, now); err != nil {
		return err
	}
	batch.Add(events.New(events.PlayerConnection, sess.ID, userID, now, map[string]bool{"connected": connected}))
	return nil
}

// --- Queries ---

// Get returns the session with its participants after applying any
// elapsed timeout.
func (s *Service) Get(ctx context.Context, sessionID string) (*View, error) {
	if err := s.sweep(ctx, sessionID); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v := &View{Session: sess, Participants: participants}
	if sess.Status == model.StatusCompleted {
		if st, err := s.store.GetSettlement(ctx, sessionID); err == nil {
			v.Settlement = st
		}
	}
	return v, nil
}

// List returns sessions matching f. Sessions whose deadlines have passed
// are swept first so the listing reflects their real status.
func (s *Service) List(ctx context.Context, f store.SessionFilter) ([]model.GameSession, error) {
	if f.Status != "" && !validStatus(f.Status) {
		return nil, apperr.Validation("unknown status %q", f.Status)
	}
	sessions, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	set, err := config.LoadSettings(ctx, s.store)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]model.GameSession, 0, len(sessions))
	for _, sess := range sessions {
		if overdue(&sess, set, now) {
			if err := s.sweep(ctx, sess.ID); err != nil {
				return nil, err
			}
			fresh, err := s.store.GetSession(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			sess = *fresh
			if f.Status != "" && sess.Status != f.Status {
				continue
			}
		}
		out = append(out, sess)
	}
	return out, nil
}

// overdue is a cheap pre-check for List; sweep makes the real decision.
func overdue(sess *model.GameSession, set config.Settings, now time.Time) bool {
	switch sess.Status {
	case model.StatusWaiting:
		return set.LobbyTimeout > 0 && !now.Before(sess.CreatedAt.Add(set.LobbyTimeout))
	case model.StatusStarting:
		return true
	case model.StatusActive:
		return set.GameTimeout > 0 && sess.StartedAt != nil && !now.Before(sess.StartedAt.Add(set.GameTimeout))
	}
	return false
}

func validStatus(st model.SessionStatus) bool {
	switch st {
	case model.StatusWaiting, model.StatusStarting, model.StatusActive, model.StatusCompleted, model.StatusCancelled:
		return true
	}
	return false
}

func transitionErr(err error) error {
	if errors.Is(err, store.ErrConditionFailed) {
		return apperr.ErrInvalidTransition
	}
	return err
}
