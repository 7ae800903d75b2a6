package core

import (
	"context"
	"log/slog"
	"time"

	"wayfind/pkg/hazard"
	"wayfind/pkg/route"
	"wayfind/pkg/session"
)

// ZoneSweepJob expires runtime hazard zones past their validity window.
type ZoneSweepJob struct {
	BaseJob
	hazards  *hazard.Engine
	interval time.Duration
	lastTime time.Time
	logger   *slog.Logger
}

func NewZoneSweepJob(h *hazard.Engine, interval time.Duration, logger *slog.Logger) *ZoneSweepJob {
	return &ZoneSweepJob{
		BaseJob:  NewBaseJob("ZoneSweep"),
		hazards:  h,
		interval: interval,
		logger:   logger,
	}
}

func (j *ZoneSweepJob) ShouldFire(now time.Time) bool {
	if j.Running() {
		return false
	}
	return j.lastTime.IsZero() || now.Sub(j.lastTime) >= j.interval
}

func (j *ZoneSweepJob) Run(_ context.Context, now time.Time) {
	if !j.TryLock() {
		return
	}
	defer j.Unlock()
	j.lastTime = now

	if n := j.hazards.SweepExpired(now); n > 0 {
		j.logger.Info("expired hazard zones swept", "count", n)
	}
}

// CachePruneJob drops route cache entries stamped with stale graph
// versions so memory is not held until their TTL.
type CachePruneJob struct {
	BaseJob
	planner  *route.Planner
	interval time.Duration
	lastTime time.Time
	logger   *slog.Logger
}

func NewCachePruneJob(p *route.Planner, interval time.Duration, logger *slog.Logger) *CachePruneJob {
	return &CachePruneJob{
		BaseJob:  NewBaseJob("CachePrune"),
		planner:  p,
		interval: interval,
		logger:   logger,
	}
}

func (j *CachePruneJob) ShouldFire(now time.Time) bool {
	if j.Running() {
		return false
	}
	return j.lastTime.IsZero() || now.Sub(j.lastTime) >= j.interval
}

func (j *CachePruneJob) Run(_ context.Context, now time.Time) {
	if !j.TryLock() {
		return
	}
	defer j.Unlock()
	j.lastTime = now

	if n := j.planner.PruneCache(); n > 0 {
		j.logger.Debug("stale cached routes pruned", "count", n)
	}
}

// SessionReapJob stops per-user sessions with no traffic for IdleTTL.
type SessionReapJob struct {
	BaseJob
	sessions *session.Registry
	interval time.Duration
	lastTime time.Time
}

func NewSessionReapJob(r *session.Registry, interval time.Duration) *SessionReapJob {
	return &SessionReapJob{
		BaseJob:  NewBaseJob("SessionReap"),
		sessions: r,
		interval: interval,
	}
}

func (j *SessionReapJob) ShouldFire(now time.Time) bool {
	if j.Running() {
		return false
	}
	return j.lastTime.IsZero() || now.Sub(j.lastTime) >= j.interval
}

func (j *SessionReapJob) Run(_ context.Context, now time.Time) {
	if !j.TryLock() {
		return
	}
	defer j.Unlock()
	j.lastTime = now

	j.sessions.ReapIdle(now)
}
