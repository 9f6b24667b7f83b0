package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// PipelineRunner starts a hiring pipeline for one candidate.
// Satisfied by the engine orchestrator (avoids import cycle).
type PipelineRunner interface {
	Start(ctx context.Context, jobID, candidateID string, def schema.PipelineDefinition, initial map[string]any) (string, error)
}

// CandidateSource lists candidates awaiting a pipeline run for a job. The
// original batch trigger swept newly received applications; the source is the
// external ATS feed behind that sweep.
type CandidateSource interface {
	PendingCandidates(ctx context.Context, jobID string) ([]string, error)
}

// Scheduler polls the store for due scheduled launches and starts a pipeline
// for each pending candidate of the launch's job.
type Scheduler struct {
	store      store.Store
	runner     PipelineRunner
	candidates CandidateSource
	parser     cron.Parser
	logger     *slog.Logger
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // launch IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PipelineRunner, candidates CandidateSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      s,
		runner:     runner,
		candidates: candidates,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled launches and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	launches, err := s.store.ListScheduledLaunches(ctx, store.ScheduledLaunchFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled launches", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, launch := range launches {
		if launch.NextRunAt == nil || !launch.NextRunAt.After(now) {
			if !s.tryAcquire(launch.ID) {
				continue // already running (dedup)
			}
			if err := s.runLaunch(ctx, launch, now); err != nil {
				s.logger.Error("failed to run scheduled launch",
					slog.String("launch_id", launch.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(launch.ID)
		}
	}
}

// runLaunch starts one pipeline per pending candidate and updates the
// launch's timestamps.
func (s *Scheduler) runLaunch(ctx context.Context, launch *store.ScheduledLaunch, now time.Time) error {
	s.logger.Info("running scheduled launch",
		slog.String("launch_id", launch.ID),
		slog.String("job_id", launch.JobID),
	)

	candidates, err := s.candidates.PendingCandidates(ctx, launch.JobID)
	if err != nil {
		s.logger.Error("failed to list pending candidates",
			slog.String("launch_id", launch.ID),
			slog.String("error", err.Error()),
		)
		return s.updateLaunchStatus(ctx, launch, now, "error")
	}

	status := "success"
	started := 0
	for _, candidateID := range candidates {
		if _, err := s.runner.Start(ctx, launch.JobID, candidateID, launch.Definition, nil); err != nil {
			status = "error"
			s.logger.Error("scheduled pipeline start failed",
				slog.String("launch_id", launch.ID),
				slog.String("candidate_id", candidateID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started++
	}

	if started > 0 {
		s.logger.Info("scheduled launch started pipelines",
			slog.String("launch_id", launch.ID),
			slog.Int("count", started),
		)
	}

	return s.updateLaunchStatus(ctx, launch, now, status)
}

func (s *Scheduler) updateLaunchStatus(ctx context.Context, launch *store.ScheduledLaunch, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(launch.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for launch %q: %w", launch.ID, err)
	}

	return s.store.UpdateScheduledLaunch(ctx, launch.ID, store.ScheduledLaunchUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the launch as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(launchID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[launchID]; ok {
		return false
	}
	s.inflight[launchID] = struct{}{}
	return true
}

// release removes the launch from the in-flight set.
func (s *Scheduler) release(launchID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, launchID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for launches that missed their next_run_at and runs them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	launches, err := s.store.ListScheduledLaunches(ctx, store.ScheduledLaunchFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed launches: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, launch := range launches {
		if launch.NextRunAt != nil && launch.NextRunAt.Before(now) {
			if !s.tryAcquire(launch.ID) {
				continue
			}
			if err := s.runLaunch(ctx, launch, now); err != nil {
				s.logger.Error("failed to recover missed launch",
					slog.String("launch_id", launch.ID),
					slog.String("error", err.Error()),
				)
				s.release(launch.ID)
				continue
			}
			s.release(launch.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed launches", slog.Int("count", recovered))
	}
	return nil
}
