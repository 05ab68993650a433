package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Scheduler runs the daily rollover shortly after UTC midnight. The lazy
// path in Aggregator covers any instance that misses the job.
type Scheduler struct {
	sched gocron.Scheduler
	agg   *Aggregator
}

// NewScheduler registers the rollover job on a UTC scheduler driven by clock.
func NewScheduler(agg *Aggregator, clock clockwork.Clock) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(clock),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{sched: sched, agg: agg}
	_, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 5))),
		gocron.NewTask(s.rollover),
		gocron.WithName("leaderboard-rollover"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("register rollover job: %w", err)
	}
	return s, nil
}

func (s *Scheduler) rollover() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.agg.EnsureRolledOver(ctx); err != nil {
		slog.Error("scheduled leaderboard rollover failed", "error", err)
	}
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	slog.Info("leaderboard scheduler started")
}

// Shutdown stops the scheduler and waits for a running job.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
