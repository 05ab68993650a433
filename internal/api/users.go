package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/platform"
	"github.com/whopracer/race-engine/internal/store"
	"github.com/whopracer/race-engine/internal/tokens"
)

// LoginRequest carries the platform token the client obtained from Whop.
type LoginRequest struct {
	PlatformToken string `json:"platformToken"`
}

// LoginResponse returns the bearer token for subsequent requests.
type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Login handles POST /api/auth/login. The first login creates the account
// with a full day of tokens and a zero balance.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.PlatformToken == "" {
		httpx.WriteError(w, apperr.Validation("platformToken is required"))
		return
	}

	ctx := r.Context()
	pu, err := s.Platform.VerifyToken(ctx, req.PlatformToken)
	if errors.Is(err, platform.ErrInvalidToken) {
		httpx.WriteError(w, &apperr.Error{Code: apperr.CodeUnauthorized, Message: "platform rejected token"})
		return
	}
	if err != nil {
		httpx.WriteError(w, apperr.Internal("verify platform token", err))
		return
	}

	user, err := s.ensureUser(ctx, pu)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	token, exp, err := s.Auth.Issue(auth.Principal{UserID: user.ID, DisplayName: user.DisplayName})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: exp, User: user})
}

func (s *Server) ensureUser(ctx context.Context, pu *platform.User) (*model.User, error) {
	var out *model.User
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUser(ctx, pu.ID)
		if err == nil {
			if pu.DisplayName != "" && pu.DisplayName != u.DisplayName {
				if err := tx.UpdateDisplayName(ctx, u.ID, pu.DisplayName); err != nil {
					return err
				}
				u.DisplayName = pu.DisplayName
			}
			out = u
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		now := s.Clock.Now().UTC()
		out = &model.User{
			ID:              pu.ID,
			DisplayName:     pu.DisplayName,
			Balance:         decimal.Zero,
			TokensRemaining: set.DailyTokenCount,
			LastTokenReset:  model.MidnightUTC(now),
			CreatedAt:       now,
		}
		if err := tx.CreateUser(ctx, out); err != nil {
			return err
		}
		slog.Info("user created", "user_id", out.ID)
		return nil
	})
	return out, err
}

// Me handles GET /api/me
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.GetUser(r.Context(), principal(r).UserID)
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, apperr.ErrUserNotFound)
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

// TokenStatus handles GET /api/user/tokens
func (s *Server) TokenStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var st tokens.Status
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		st, err = s.Tokens.Status(ctx, tx, principal(r).UserID, set.DailyTokenCount)
		return err
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// ResetTokens handles POST /api/user/tokens/reset. It is a no-op once
// today's reset has happened.
func (s *Server) ResetTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		st      tokens.Status
		applied bool
	)
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		set, err := config.LoadSettings(ctx, tx)
		if err != nil {
			return err
		}
		st, applied, err = s.Tokens.Reset(ctx, tx, principal(r).UserID, set.DailyTokenCount)
		return err
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tokens": st, "reset": applied})
}
