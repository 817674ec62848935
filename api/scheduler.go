/*
scheduler.go - Automated calendar-year reset scheduler

PURPOSE:
  Periodically runs the yearly ledger reset for every client, so counters
  roll over on January 1 even for clients with no traffic that day.
  Mutations already reset lazily; the scheduler keeps reported usage and
  the movement log current.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass calls Lifecycle.ResetAll; clients already on the current
    year are skipped (the reset is idempotent within a year)
  - Failures for one client are logged and do not stop the pass

CONFIGURATION:
  - Interval: How often to check (default: 1 hour)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewYearResetScheduler(lifecycle, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerYearReset endpoint (manual reset)
  - billing/reconcile.go: ResetYear / ResetAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/allowance-engine/billing"
)

// YearResetScheduler runs the yearly reset in the background.
type YearResetScheduler struct {
	Lifecycle *billing.Lifecycle
	Interval  time.Duration
	Enabled   bool
	Timeout   time.Duration // per pass
	Logger    zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewYearResetScheduler creates a new scheduler.
func NewYearResetScheduler(lc *billing.Lifecycle, logger zerolog.Logger) *YearResetScheduler {
	return &YearResetScheduler{
		Lifecycle: lc,
		Interval:  1 * time.Hour,
		Enabled:   true,
		Timeout:   5 * time.Minute,
		Logger:    logger.With().Str("component", "year_reset_scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (s *YearResetScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info().
		Dur("interval", s.Interval).
		Time("next_rollover", s.NextRollover()).
		Msg("started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *YearResetScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info().Msg("stopped")
	}
}

func (s *YearResetScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

func (s *YearResetScheduler) checkAndProcess() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	count, err := s.Lifecycle.ResetAll(ctx)
	if err != nil {
		for _, e := range unwrapJoined(err) {
			s.Logger.Error().Err(e).Msg("year reset failed")
		}
	}
	if count > 0 {
		s.Logger.Info().Int("clients_reset", count).Msg("year reset completed")
	}
	return count
}

// RunNow triggers an immediate pass and returns the number of clients
// whose counter was reset.
func (s *YearResetScheduler) RunNow() int {
	return s.checkAndProcess()
}

// NextRollover returns the start of the next calendar year in the
// lifecycle's timezone.
func (s *YearResetScheduler) NextRollover() time.Time {
	loc := s.Lifecycle.Location
	if loc == nil {
		loc = time.UTC
	}
	now := s.Lifecycle.Clock.Now().In(loc)
	return billing.StartOfYear(now.Year()+1, loc)
}
