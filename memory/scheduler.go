package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Refresher runs one refresh pass.
type Refresher interface {
	Run(ctx context.Context) (RefreshStatus, error)
}

// Scheduler triggers a Refresher on a cron schedule. Schedules use the
// standard 5-field format or descriptors such as "@every 24h" and "@daily".
// A tick that arrives while the previous run is still executing is skipped.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	spec      string
	timeout   time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates spec and creates a stopped scheduler. Each run is
// bounded by timeout when it is positive.
func NewScheduler(refresher Refresher, spec string, timeout time.Duration) (*Scheduler, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}

	s := &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		refresher: refresher,
		spec:      spec,
		timeout:   timeout,
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins firing refreshes. Runs inherit ctx; cancelling it aborts an
// in-flight run the same way Stop does.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Str("schedule", s.spec).Msg("refresh_scheduler_started")
}

// Stop halts the schedule, cancels an in-flight run and waits for it to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	log.Info().Msg("refresh_scheduler_stopped")
}

// Next returns the time of the next scheduled run, or the zero time when
// the scheduler is not running.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx := base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, s.timeout)
		defer cancel()
	}

	log.Info().Str("schedule", s.spec).Msg("scheduled_refresh_fired")
	if _, err := s.refresher.Run(ctx); err != nil {
		if errors.Is(err, ErrRefreshInProgress) {
			log.Debug().Msg("scheduled_refresh_skipped")
			return
		}
		log.Error().Err(err).Msg("scheduled_refresh_failed")
	}
}
