package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/model"
	"github.com/whopracer/race-engine/internal/session"
	"github.com/whopracer/race-engine/internal/store"
)

// CreateSessionRequest is the JSON body for session creation.
type CreateSessionRequest struct {
	EntryFee   decimal.Decimal `json:"entryFee"`
	MaxPlayers int             `json:"maxPlayers"`
}

// StartSessionRequest is the JSON body for POST /sessions/{id}/start.
type StartSessionRequest struct {
	Force bool `json:"force"`
}

// CompleteSessionRequest carries the final race results.
type CompleteSessionRequest struct {
	Results []session.Result `json:"results"`
}

// CancelSessionRequest is the JSON body for POST /sessions/{id}/cancel.
type CancelSessionRequest struct {
	Reason string `json:"reason"`
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// CreateSession handles POST /api/sessions/create
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := s.Sessions.Create(r.Context(), principal(r).UserID, req.EntryFee, req.MaxPlayers)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

// ListSessions handles GET /api/sessions?status=&limit=
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	f := store.SessionFilter{Status: model.StatusWaiting}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = model.SessionStatus(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			httpx.WriteError(w, apperr.Validation("limit must be between 1 and 500"))
			return
		}
		f.Limit = n
	}
	sessions, err := s.Sessions.List(r.Context(), f)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// SessionStatus handles GET /api/sessions/{sessionID}/status
func (s *Server) SessionStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

// JoinSession handles POST /api/sessions/{sessionID}/join
func (s *Server) JoinSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sessions.Join(r.Context(), chi.URLParam(r, "sessionID"), principal(r).UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// StartSession handles POST /api/sessions/{sessionID}/start
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	res, err := s.Sessions.Start(r.Context(), chi.URLParam(r, "sessionID"), principal(r).UserID, req.Force)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// CompleteSession handles POST /api/sessions/{sessionID}/complete
func (s *Server) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteSessionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	out, err := s.Sessions.Complete(r.Context(), chi.URLParam(r, "sessionID"), principal(r).UserID, req.Results)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

// CancelSession handles POST /api/sessions/{sessionID}/cancel
func (s *Server) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req CancelSessionRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	sess, err := s.Sessions.Cancel(r.Context(), chi.URLParam(r, "sessionID"), principal(r).UserID, req.Reason)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// LeaveSession handles POST /api/sessions/{sessionID}/leave
func (s *Server) LeaveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Leave(r.Context(), chi.URLParam(r, "sessionID"), principal(r).UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
}
