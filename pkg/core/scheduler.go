// Package core runs the central heartbeat: periodic maintenance jobs
// for the caches, the hazard store and the session registry.
package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"wayfind/pkg/config"
)

// Job defines a scheduled task.
type Job interface {
	Name() string
	ShouldFire(now time.Time) bool
	Run(ctx context.Context, now time.Time)
}

// BaseJob provides atomic running state to prevent re-entry.
type BaseJob struct {
	name    string
	running int32 // 1 if running, 0 otherwise
}

func NewBaseJob(name string) BaseJob {
	return BaseJob{name: name}
}

func (b *BaseJob) Name() string {
	return b.name
}

// TryLock attempts to set running to 1. Returns true if successful.
func (b *BaseJob) TryLock() bool {
	return atomic.CompareAndSwapInt32(&b.running, 0, 1)
}

func (b *BaseJob) Unlock() {
	atomic.StoreInt32(&b.running, 0)
}

// Running reports whether the job is mid-run.
func (b *BaseJob) Running() bool {
	return atomic.LoadInt32(&b.running) == 1
}

// TimeJob fires when time elapsed exceeds threshold.
type TimeJob struct {
	BaseJob
	lastTime  time.Time
	threshold time.Duration
	action    func(context.Context, time.Time)
	firstRun  bool
}

func NewTimeJob(name string, threshold time.Duration, action func(context.Context, time.Time)) *TimeJob {
	return &TimeJob{
		BaseJob:   NewBaseJob(name),
		threshold: threshold,
		action:    action,
		firstRun:  true,
	}
}

func (j *TimeJob) ShouldFire(now time.Time) bool {
	if j.Running() {
		return false
	}

	if j.firstRun {
		return true
	}

	return now.Sub(j.lastTime) >= j.threshold
}

func (j *TimeJob) Run(ctx context.Context, now time.Time) {
	if !j.TryLock() {
		return
	}
	defer j.Unlock()

	j.lastTime = now
	j.firstRun = false

	j.action(ctx, now)
}

// Scheduler manages the central heartbeat and scheduled jobs.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *slog.Logger
	jobs   []Job
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		jobs:   []Job{},
	}
}

// AddJob registers a job.
func (s *Scheduler) AddJob(j Job) {
	s.jobs = append(s.jobs, j)
}

// Start runs the main loop. It blocks until context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.TickInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", interval, "jobs", len(s.jobs))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		if job.ShouldFire(now) {
			// Fire and forget; BaseJob prevents re-entry.
			go job.Run(ctx, now)
		}
	}
}
