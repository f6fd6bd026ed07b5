package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultEvictionSchedule runs the idle sweep once a minute.
const DefaultEvictionSchedule = "@every 1m"

// Sweeper evicts idle sessions on a cron schedule.
type Sweeper struct {
	service  *Service
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper. An empty schedule uses DefaultEvictionSchedule.
func NewSweeper(service *Service, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultEvictionSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		service:  service,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the sweep and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return fmt.Errorf("invalid eviction schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("session sweeper started", "schedule", s.schedule)
	return nil
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep() {
	evicted := s.service.EvictIdle(s.ctx)
	if len(evicted) > 0 {
		s.logger.Debug("sweep complete", "evicted", evicted)
	}
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("session sweeper stopped")
}
