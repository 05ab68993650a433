package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whopracer/race-engine/internal/api"
	"github.com/whopracer/race-engine/internal/auth"
	"github.com/whopracer/race-engine/internal/config"
	"github.com/whopracer/race-engine/internal/database"
	"github.com/whopracer/race-engine/internal/events"
	"github.com/whopracer/race-engine/internal/leaderboard"
	"github.com/whopracer/race-engine/internal/ledger"
	"github.com/whopracer/race-engine/internal/payments"
	"github.com/whopracer/race-engine/internal/platform"
	"github.com/whopracer/race-engine/internal/realtime"
	"github.com/whopracer/race-engine/internal/session"
	"github.com/whopracer/race-engine/internal/settlement"
	"github.com/whopracer/race-engine/internal/store"
	"github.com/whopracer/race-engine/internal/tokens"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg, os.Args[2:]); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("race-engine exited", "err", err)
		os.Exit(1)
	}
}

// runMigrate handles "migrate up", "migrate down [N]" and "migrate status".
func runMigrate(cfg *config.Config, args []string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	if len(args) == 0 {
		return errors.New("usage: migrate up|down [N]|status")
	}
	switch args[0] {
	case "up":
		return database.MigrateUp(cfg.DatabaseURL)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return database.MigrateDown(cfg.DatabaseURL, steps)
	case "status":
		return database.MigrateStatus(cfg.DatabaseURL)
	default:
		return fmt.Errorf("unknown migrate command %q", args[0])
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := database.NewConnection(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, db.Close)
		st = store.NewPostgresStore(db.Pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	clock := clockwork.NewRealClock()

	// --- Realtime fan-out ---
	hub := realtime.NewHub()
	var pub events.Publisher = hub
	var bus *events.Client
	if cfg.NATSURL != "" {
		nc := events.NewClient(cfg.NATSURL, "race-engine")
		if err := nc.Connect(); err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)
		if err := hub.UseRelay(nc); err != nil {
			return err
		}
		pub = events.Multi{nc, hub}
		bus = nc
		slog.Info("NATS relay enabled")
	}

	// --- Domain services ---
	l := ledger.New(clock)
	gate := tokens.NewGate(clock)
	board := leaderboard.NewAggregator(st, l, clock, pub)
	sessions := session.NewService(session.Deps{
		Store:       st,
		Ledger:      l,
		Tokens:      gate,
		Settlement:  settlement.NewEngine(st, l, clock, cfg.DeveloperUserID, pub),
		Leaderboard: board,
		Clock:       clock,
		Events:      pub,
	})
	hub.Bind(sessions)

	var pc platform.Client
	if cfg.WhopAPIKey != "" {
		pc = platform.NewHTTPClient(cfg.WhopAPIURL, cfg.WhopAPIKey)
	} else {
		slog.Warn("WHOP_API_KEY not set, using the development platform (tokens are dev:<user id>)")
		pc = platform.NewFake()
	}

	sched, err := leaderboard.NewScheduler(board, clock)
	if err != nil {
		return err
	}
	sched.Start()
	cleanup = append(cleanup, func() {
		if err := sched.Shutdown(); err != nil {
			slog.Error("scheduler shutdown error", "err", err)
		}
	})

	deps := api.Deps{
		Store:         st,
		Sessions:      sessions,
		Leaderboard:   board,
		Payments:      payments.NewService(st, l, pc),
		Tokens:        gate,
		Auth:          auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL, clock),
		Platform:      pc,
		Hub:           hub,
		Clock:         clock,
		WebhookSecret: cfg.WhopWebhookSecret,
		DeveloperID:   cfg.DeveloperUserID,
	}
	if bus != nil {
		deps.Bus = bus
	}
	srv := api.NewServer(deps)

	// --- Server ---
	httpSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("race-engine listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down race-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("race-engine stopped")
	return nil
}
