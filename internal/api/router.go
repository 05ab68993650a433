// Package api exposes the race engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/httpx"
	"github.com/whopracer/race-engine/internal/leaderboard"
	"github.com/whopracer/race-engine/internal/metrics"
	"github.com/whopracer/race-engine/internal/payments"
	"github.com/whopracer/race-engine/internal/platform"
	"github.com/whopracer/race-engine/internal/realtime"
	"github.com/whopracer/race-engine/internal/session"
	"github.com/whopracer/race-engine/internal/store"
	"github.com/whopracer/race-engine/internal/tokens"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store         store.Store
	Sessions      *session.Service
	Leaderboard   *leaderboard.Aggregator
	Payments      *payments.Service
	Tokens        *tokens.Gate
	Auth          *auth.Tokens
	Platform      platform.Client
	Hub           *realtime.Hub
	Clock         clockwork.Clock
	WebhookSecret string
	DeveloperID   string

	// Bus is the optional NATS connection reported by /health.
	Bus interface{ IsConnected() bool }
}

// Server holds the handlers.
type Server struct {
	Deps
}

// NewServer creates the HTTP handlers.
func NewServer(d Deps) *Server {
	return &Server{Deps: d}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.Login)
		r.Post("/payments/webhook", s.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(s.Auth.Middleware)

			if s.Hub != nil {
				r.Get("/ws", s.Hub.HandleWS)
			}

			// Requests other than the socket get a bounded lifetime.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))

				r.Get("/me", s.Me)

				r.Route("/sessions", func(r chi.Router) {
					r.Get("/", s.ListSessions)
					r.Post("/", s.CreateSession)
					r.Post("/create", s.CreateSession)
					r.Get("/{sessionID}", s.SessionStatus)
					r.Get("/{sessionID}/status", s.SessionStatus)
					r.Post("/{sessionID}/join", s.JoinSession)
					r.Post("/{sessionID}/start", s.StartSession)
					r.Post("/{sessionID}/complete", s.CompleteSession)
					r.Post("/{sessionID}/cancel", s.CancelSession)
					r.Post("/{sessionID}/leave", s.LeaveSession)
				})

				r.Route("/leaderboard", func(r chi.Router) {
					r.Get("/daily", s.DailyLeaderboard)
					r.Get("/weekly", s.WeeklyLeaderboard)
					r.Get("/{date}", s.DailyLeaderboard)
				})

				r.Get("/payments/balance", s.Balance)
				r.Get("/payments/history", s.History)
				r.Post("/payments/charge", s.Charge)

				r.Get("/user/tokens", s.TokenStatus)
				r.Post("/user/tokens/reset", s.ResetTokens)

				r.Route("/admin", func(r chi.Router) {
					r.Use(auth.RequireUser(s.DeveloperID))
					r.Get("/config", s.GetConfig)
					r.Put("/config/{key}", s.SetConfig)
				})
			})
		})
	})
	return r
}

// Health handles GET /health. A configured but disconnected NATS bus
// reports 503 so the instance is taken out of rotation.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok", "service": "race-engine"}
	status := http.StatusOK
	if s.Bus != nil {
		body["nats"] = "connected"
		if !s.Bus.IsConnected() {
			body["status"] = "degraded"
			body["nats"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
	}
	httpx.WriteJSON(w, status, body)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
