// Package scheduler runs periodic dataset reloads and retention
// sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fleetlens/fleetlens/internal/service"
	"github.com/fleetlens/fleetlens/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReloadJob reloads one dataset from a fixed path on a cron schedule.
type ReloadJob struct {
	Dataset  string
	Path     string
	Schedule string
}

// ParseReloadJob parses the "dataset|path|schedule" form used in
// configuration, e.g. "gps_points|/data/gps.csv|0 3 * * *".
func ParseReloadJob(spec string) (ReloadJob, error) {
	parts := strings.SplitN(spec, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ReloadJob{}, fmt.Errorf("invalid reload job %q: want dataset|path|schedule", spec)
	}
	return ReloadJob{
		Dataset:  strings.TrimSpace(parts[0]),
		Path:     strings.TrimSpace(parts[1]),
		Schedule: strings.TrimSpace(parts[2]),
	}, nil
}

// Scheduler owns the cron runner for reload jobs and the retention
// sweep.
type Scheduler struct {
	svc               *service.Service
	store             *store.Store
	jobs              []ReloadJob
	retentionSchedule string

	cron    *cron.Cron
	running bool
	lastRun *time.Time
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// Config holds scheduler configuration.
type Config struct {
	Service           *service.Service
	Store             *store.Store
	Jobs              []ReloadJob
	RetentionSchedule string // default: hourly at :10
	Logger            zerolog.Logger
}

// New creates a scheduler.
func New(cfg *Config) *Scheduler {
	retention := cfg.RetentionSchedule
	if retention == "" {
		retention = "10 * * * *"
	}
	return &Scheduler{
		svc:               cfg.Service,
		store:             cfg.Store,
		jobs:              cfg.Jobs,
		retentionSchedule: retention,
		logger:            cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers all jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.cron = cron.New(cron.WithLocation(time.UTC))

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			s.runReload(job)
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for dataset %s: %w", job.Schedule, job.Dataset, err)
		}
		s.logger.Info().
			Str("dataset", job.Dataset).
			Str("path", job.Path).
			Str("schedule", job.Schedule).
			Msg("Reload job registered")
	}

	if _, err := s.cron.AddFunc(s.retentionSchedule, s.runRetention); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.retentionSchedule, err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Int("reload_jobs", len(s.jobs)).
		Str("retention_schedule", s.retentionSchedule).
		Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.cron = nil
	}

	s.running = false
	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) runReload(job ReloadJob) {
	start := time.Now()
	res, err := s.svc.Load(context.Background(), job.Dataset, job.Path)

	s.mu.Lock()
	now := time.Now()
	s.lastRun = &now
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).
			Str("dataset", job.Dataset).
			Str("path", job.Path).
			Msg("Scheduled reload failed")
		return
	}
	s.logger.Info().
		Str("dataset", job.Dataset).
		Int64("version", res.Version).
		Int64("rows_valid", res.RowsValid).
		Dur("elapsed", time.Since(start)).
		Msg("Scheduled reload completed")
}

func (s *Scheduler) runRetention() {
	s.store.EvictStale()
	s.logger.Debug().Msg("Retention sweep completed")
}
