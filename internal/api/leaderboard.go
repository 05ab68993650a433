package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/model"
)

func (s *Server) boardDate(r *http.Request) string {
	if d := chi.URLParam(r, "date"); d != "" {
		return d
	}
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return model.DayKey(s.Clock.Now())
}

// DailyLeaderboard handles GET /api/leaderboard/daily?date= and /api/leaderboard/{date}
func (s *Server) DailyLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.Leaderboard.Daily(r.Context(), s.boardDate(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, board)
}

// WeeklyLeaderboard handles GET /api/leaderboard/weekly?date=
func (s *Server) WeeklyLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.Leaderboard.Weekly(r.Context(), s.boardDate(r))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, board)
}
