package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/platform"
)

// ChargeRequest is the JSON body for POST /api/payments/charge.
type ChargeRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// Balance handles GET /api/payments/balance
func (s *Server) Balance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.Payments.Balance(r.Context(), principal(r).UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"balance": bal.StringFixed(2)})
}

// History handles GET /api/payments/history?limit=
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpx.WriteError(w, apperr.Validation("limit must be an integer"))
			return
		}
		limit = n
	}
	rows, err := s.Payments.History(r.Context(), principal(r).UserID, limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"transactions": rows})
}

// Charge handles POST /api/payments/charge. The idempotency key may also
// come from the Idempotency-Key header.
func (s *Server) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	tx, err := s.Payments.Charge(r.Context(), principal(r).UserID, req.Amount, req.IdempotencyKey)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

// Webhook handles POST /api/payments/webhook from the platform.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, apperr.Validation("unreadable body"))
		return
	}
	ev, err := platform.ParseWebhook(s.WebhookSecret, body, r.Header.Get(platform.SignatureHeader))
	if errors.Is(err, platform.ErrBadSignature) {
		slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		httpx.WriteError(w, &apperr.Error{Code: apperr.CodeUnauthorized, Message: "bad signature"})
		return
	}
	if err != nil {
		httpx.WriteError(w, apperr.Validation("%v", err))
		return
	}
	applied, err := s.Payments.HandleWebhook(r.Context(), ev)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}
