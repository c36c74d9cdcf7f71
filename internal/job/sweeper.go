package job

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper evicts finished jobs on a cron schedule
type Sweeper struct {
	registry *Registry
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for the given schedule (standard cron or @every descriptor)
func NewSweeper(registry *Registry, schedule string, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		registry: registry,
		cron:     cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger:   logger.With("component", "job-sweeper"),
	}

	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeps
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("job sweeper started")
}

// Stop halts the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("job sweeper stopped")
}

// Sweep runs one eviction pass
func (s *Sweeper) Sweep() {
	removed := s.registry.Evict(time.Now())
	if removed > 0 {
		s.logger.Info("evicted finished jobs", "count", removed, "remaining", s.registry.Len())
	}
}
