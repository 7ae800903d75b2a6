// Package tracker collects runtime counters for the diagnostics API.
package tracker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks usage statistics per component.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*ComponentStats
}

// ComponentStats holds metrics for a specific component.
// Fields are accessed atomically.
type ComponentStats struct {
	Accepted     int64
	Rejected     int64
	CacheHits    int64
	CacheMisses  int64
	Dropped      int64
	Errors       int64
	LatencyCount int64
	LatencySumNs int64
	LatencyMaxNs int64
}

// StatsSnapshot is the exported copy of a component's counters.
type StatsSnapshot struct {
	Accepted    int64   `json:"accepted"`
	Rejected    int64   `json:"rejected"`
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	Dropped     int64   `json:"dropped"`
	Errors      int64   `json:"errors"`
	LatencyAvgMs float64 `json:"latency_avg_ms"`
	LatencyMaxMs float64 `json:"latency_max_ms"`
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{stats: make(map[string]*ComponentStats)}
}

func (t *Tracker) getStats(component string) *ComponentStats {
	t.mu.RLock()
	s, ok := t.stats[component]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.stats[component]; ok {
		return s
	}
	s = &ComponentStats{}
	t.stats[component] = s
	return s
}

// TrackAccepted increments the accepted counter.
func (t *Tracker) TrackAccepted(component string) {
	atomic.AddInt64(&t.getStats(component).Accepted, 1)
}

// TrackRejected increments the rejected counter.
func (t *Tracker) TrackRejected(component string) {
	atomic.AddInt64(&t.getStats(component).Rejected, 1)
}

// TrackCacheHit increments the cache hit counter.
func (t *Tracker) TrackCacheHit(component string) {
	atomic.AddInt64(&t.getStats(component).CacheHits, 1)
}

// TrackCacheMiss increments the cache miss counter.
func (t *Tracker) TrackCacheMiss(component string) {
	atomic.AddInt64(&t.getStats(component).CacheMisses, 1)
}

// TrackDropped increments the dropped counter.
func (t *Tracker) TrackDropped(component string) {
	atomic.AddInt64(&t.getStats(component).Dropped, 1)
}

// TrackError increments the error counter.
func (t *Tracker) TrackError(component string) {
	atomic.AddInt64(&t.getStats(component).Errors, 1)
}

// TrackLatency records one operation duration.
func (t *Tracker) TrackLatency(component string, d time.Duration) {
	s := t.getStats(component)
	atomic.AddInt64(&s.LatencyCount, 1)
	atomic.AddInt64(&s.LatencySumNs, int64(d))
	for {
		cur := atomic.LoadInt64(&s.LatencyMaxNs)
		if int64(d) <= cur || atomic.CompareAndSwapInt64(&s.LatencyMaxNs, cur, int64(d)) {
			break
		}
	}
}

// Snapshot returns a copy of all component counters.
func (t *Tracker) Snapshot() map[string]StatsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]StatsSnapshot, len(t.stats))
	for name, s := range t.stats {
		snap := StatsSnapshot{
			Accepted:    atomic.LoadInt64(&s.Accepted),
			Rejected:    atomic.LoadInt64(&s.Rejected),
			CacheHits:   atomic.LoadInt64(&s.CacheHits),
			CacheMisses: atomic.LoadInt64(&s.CacheMisses),
			Dropped:     atomic.LoadInt64(&s.Dropped),
			Errors:      atomic.LoadInt64(&s.Errors),
		}
		count := atomic.LoadInt64(&s.LatencyCount)
		if count > 0 {
			snap.LatencyAvgMs = float64(atomic.LoadInt64(&s.LatencySumNs)) / float64(count) / 1e6
			snap.LatencyMaxMs = float64(atomic.LoadInt64(&s.LatencyMaxNs)) / 1e6
		}
		out[name] = snap
	}
	return out
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[string]*ComponentStats)
}
