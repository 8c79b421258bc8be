// Package scheduler runs periodic maintenance of the relay server: daily
// pruning of the game ledger and a regular status summary in the log.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridgame-project/gridgame/internal/config"
	"github.com/gridgame-project/gridgame/internal/server"
	"github.com/gridgame-project/gridgame/internal/util"
)

// DefaultCleanupHour is used when no valid cleanup time is configured.
const DefaultCleanupHour = 4

// Ledger is the game history maintained by the scheduler.
type Ledger interface {
	Prune(cutoff time.Time) (int64, error)
	Count() (int, error)
}

// Relay is the live state summarized in the status log.
type Relay interface {
	Games() *server.GameDirectory
	Connections() []server.ConnectionInfo
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.StoreConfig
	ledger Ledger
	relay  Relay
	now    func() time.Time
	logger zerolog.Logger
}

// NewScheduler creates a new task scheduler. ledger may be nil.
func NewScheduler(cfg config.StoreConfig, ledger Ledger, relay Relay) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		ledger: ledger,
		relay:  relay,
		now:    time.Now,
		logger: log.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	var wg sync.WaitGroup

	if s.ledger != nil && s.cfg.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runLedgerCleanerLoop(ctx)
		}()
	}

	if s.cfg.StatusLogInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runStatusLoop(ctx, config.Millis(s.cfg.StatusLogInterval))
		}()
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// runLedgerCleanerLoop prunes the ledger daily at the configured time.
func (s *Scheduler) runLedgerCleanerLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		s.logger.Debug().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("ledger cleaner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runLedgerCleaner()
		}
	}
}

// runLedgerCleaner deletes games closed more than RetentionDays ago.
func (s *Scheduler) runLedgerCleaner() int64 {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	removed, err := s.ledger.Prune(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ledger cleaner failed")
		return 0
	}

	s.logger.Info().
		Int64("deleted_games", removed).
		Time("cutoff", cutoff).
		Msg("ledger cleaner completed")
	return removed
}

// nextCleanupTime returns the next time the cleanup should run.
func (s *Scheduler) nextCleanupTime() time.Time {
	hour, minute := DefaultCleanupHour, 0
	if t, err := time.Parse("15:04", s.cfg.CleanupTime); err == nil {
		hour, minute = t.Hour(), t.Minute()
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) runStatusLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStatus()
		}
	}
}

// Status is a point-in-time summary of the relay.
type Status struct {
	Games       int
	Started     int
	Players     int
	Connections int
	Recorded    int
}

// Collect gathers the current status.
func (s *Scheduler) Collect() Status {
	var st Status
	for _, g := range s.relay.Games().Snapshot() {
		st.Games++
		if g.Started {
			st.Started++
		}
		st.Players += g.Blue + g.Red
	}
	st.Connections = len(s.relay.Connections())

	if s.ledger != nil {
		if n, err := s.ledger.Count(); err == nil {
			st.Recorded = n
		}
	}
	return st
}

func (s *Scheduler) logStatus() {
	st := s.Collect()
	event := s.logger.Info().
		Int("games", st.Games).
		Int("started", st.Started).
		Int("players", st.Players).
		Int("connections", st.Connections).
		Int("recorded_games", st.Recorded)

	if usage, err := util.GetProcessUsage(); err == nil {
		event = event.
			Float64("cpu_percent", usage.CPUPercent).
			Uint64("rss_mb", usage.RSSMB).
			Int("goroutines", usage.Goroutines)
	}
	event.Msg("relay status")
}
