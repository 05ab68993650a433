package api

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/whopracer/race-engine/internal/apperr"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/store"
)

// SetConfigRequest is the JSON body for PUT /api/admin/config/{key}.
type SetConfigRequest struct {
	Value string `json:"value"`
}

// GetConfig handles GET /api/admin/config and returns the effective
// settings, stored rows overlaid on the defaults.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	set, err := config.LoadSettings(r.Context(), s.Store)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, set.Rows())
}

// SetConfig handles PUT /api/admin/config/{key}. The change is rejected
// unless the resulting settings are valid as a whole.
func (s *Server) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !slices.Contains(config.KnownKeys(), key) {
		httpx.WriteError(w, apperr.Validation("unknown config key %q", key))
		return
	}
	var req SetConfigRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	ctx := r.Context()
	var rows map[string]string
	err := s.Store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetConfig(ctx)
		if err != nil {
			return err
		}
		if current == nil {
			current = map[string]string{}
		}
		current[key] = req.Value
		set, err := config.ParseSettings(current)
		if err != nil {
			return apperr.Validation("%v", err)
		}
		if err := tx.SetConfig(ctx, key, req.Value); err != nil {
			return err
		}
		rows = set.Rows()
		return nil
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	slog.Info("game config updated", "key", key, "value", req.Value, "user_id", principal(r).UserID)
	httpx.WriteJSON(w, http.StatusOK, rows)
}
