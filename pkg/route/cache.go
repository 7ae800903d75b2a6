package route

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/maypok86/otter"

	"wayfind/pkg/model"
)

// cacheKey identifies one cached computation. Routes cached against an
// older graph version are never returned.
type cacheKey struct {
	Start        string
	End          string
	OptHash      uint64
	GraphVersion uint64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s:%s:%x:%d", k.Start, k.End, k.OptHash, k.GraphVersion)
}

// optionsHash folds the optimization settings into the cache key.
func optionsHash(o model.RouteOptions) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%v|%v|%.3f|%.3f|%.3f|%.3f|%.1f",
		o.Criterion, o.WheelchairRequired, o.ElevatorOnly,
		o.DistanceWeight, o.TimeWeight, o.AccessibilityWeight, o.SafetyWeight,
		o.MaxWalkingDistance)
	return h.Sum64()
}

// routeCache wraps the TTL cache. Entries for stale graph versions are
// pruned lazily on access and in bulk by the scheduler job.
type routeCache struct {
	cache otter.Cache[cacheKey, *model.Route]
}

func newRouteCache(size int, ttl time.Duration) (*routeCache, error) {
	c, err := otter.MustBuilder[cacheKey, *model.Route](size).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build route cache: %w", err)
	}
	return &routeCache{cache: c}, nil
}

func (rc *routeCache) get(k cacheKey, currentVersion uint64) (*model.Route, bool) {
	r, ok := rc.cache.Get(k)
	if !ok {
		return nil, false
	}
	if r.Meta.GraphVersion != currentVersion {
		rc.cache.Delete(k)
		return nil, false
	}
	return r, true
}

func (rc *routeCache) put(k cacheKey, r *model.Route) {
	rc.cache.Set(k, r)
}

// pruneStale evicts every entry computed against an older graph version.
func (rc *routeCache) pruneStale(currentVersion uint64) int {
	var stale []cacheKey
	rc.cache.Range(func(k cacheKey, r *model.Route) bool {
		if r.Meta.GraphVersion != currentVersion {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		rc.cache.Delete(k)
	}
	return len(stale)
}

func (rc *routeCache) close() {
	rc.cache.Close()
}
