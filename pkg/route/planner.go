// Package route computes routes over the navigation graph: A* with a
// pluggable cost model, instruction synthesis, a versioned result cache
// and admission control for concurrent planning.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"wayfind/pkg/config"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

const trackerComponent = "route"

// Planner computes routes on demand. It is safe for concurrent use; a
// global admission gate bounds in-flight searches and identical requests
// are collapsed into a single computation.
type Planner struct {
	cfg     config.RouteConfig
	graphs  *graph.Store
	safety  SafetyScorer
	cache   *routeCache
	group   singleflight.Group
	gate    chan struct{}
	tracker *tracker.Tracker
	logger  *slog.Logger

	maxSearchRadius float64
}

// NewPlanner wires a planner against the graph store. safety may be nil
// until the hazard engine is attached.
func NewPlanner(cfg config.RouteConfig, graphCfg config.GraphConfig, gs *graph.Store, safety SafetyScorer, trk *tracker.Tracker, logger *slog.Logger) (*Planner, error) {
	cache, err := newRouteCache(cfg.CacheSize, cfg.CacheTTL.Std())
	if err != nil {
		return nil, err
	}
	return &Planner{
		cfg:             cfg,
		graphs:          gs,
		safety:          safety,
		cache:           cache,
		gate:            make(chan struct{}, cfg.MaxConcurrent),
		tracker:         trk,
		logger:          logger.With("component", "route"),
		maxSearchRadius: graphCfg.MaxSearchRadius,
	}, nil
}

// SetSafetyScorer attaches the live hazard scorer. Called once during
// startup wiring, before requests are served.
func (p *Planner) SetSafetyScorer(s SafetyScorer) { p.safety = s }

// Close releases the route cache.
func (p *Planner) Close() { p.cache.close() }

// PruneCache evicts cache entries computed against older graph versions.
func (p *Planner) PruneCache() int {
	return p.cache.pruneStale(p.graphs.Version())
}

// PlanRoute computes a route from one position to another for a user.
// Both endpoints are snapped to the nearest graph node first; the snap
// respects the wheelchair constraint when set.
func (p *Planner) PlanRoute(ctx context.Context, userID string, from, to model.Position, opts model.RouteOptions) (*model.Route, error) {
	snap := p.graphs.Snapshot()

	var filter graph.NodeFilter
	if opts.WheelchairRequired {
		filter = graph.WheelchairFilter
	}
	startID, startDist := snap.NearestNode(from, p.maxSearchRadius, filter)
	if startID == "" {
		p.tracker.TrackRejected(trackerComponent)
		return nil, model.ErrNoNodesNearPosition("no node within %.0f m of start", p.maxSearchRadius)
	}
	endID, _ := snap.NearestNode(to, p.maxSearchRadius, filter)
	if endID == "" {
		p.tracker.TrackRejected(trackerComponent)
		return nil, model.ErrNoNodesNearPosition("no node within %.0f m of destination", p.maxSearchRadius)
	}
	if startDist > 0 {
		p.logger.Debug("snapped start", "user", userID, "node", startID, "distance_m", startDist)
	}

	r, err := p.PlanBetweenNodes(ctx, snap, startID, endID, opts)
	if err != nil {
		return nil, err
	}

	// Routes are immutable; callers get their own copy with identity.
	out := *r
	out.ID = uuid.NewString()
	out.UserID = userID
	out.CreatedAt = time.Now()
	return &out, nil
}

// PlanBetweenNodes computes a route between two known graph nodes on the
// given snapshot. The returned route carries no user identity; PlanRoute
// and the re-planner stamp their own.
func (p *Planner) PlanBetweenNodes(ctx context.Context, snap *graph.Snapshot, startID, endID string, opts model.RouteOptions) (*model.Route, error) {
	if opts.Criterion == "" {
		opts.Criterion = model.CriterionFastest
	}
	if _, ok := snap.Node(startID); !ok {
		return nil, model.ErrInvalidInput("unknown start node %q", startID)
	}
	if _, ok := snap.Node(endID); !ok {
		return nil, model.ErrInvalidInput("unknown destination node %q", endID)
	}

	key := cacheKey{
		Start:        startID,
		End:          endID,
		OptHash:      optionsHash(opts),
		GraphVersion: snap.Version(),
	}
	if r, ok := p.cache.get(key, snap.Version()); ok {
		p.tracker.TrackCacheHit(trackerComponent)
		cached := *r
		cached.Meta.CacheHit = true
		return &cached, nil
	}
	p.tracker.TrackCacheMiss(trackerComponent)

	// Collapse identical concurrent requests into one search. The shared
	// result is cloned per caller below.
	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		return p.compute(ctx, snap, startID, endID, opts, key)
	})
	if err != nil {
		return nil, err
	}
	shared := v.(*model.Route)
	out := *shared
	return &out, nil
}

func (p *Planner) compute(ctx context.Context, snap *graph.Snapshot, startID, endID string, opts model.RouteOptions, key cacheKey) (*model.Route, error) {
	// Admission: wait for a slot, bounded by the caller's deadline.
	select {
	case p.gate <- struct{}{}:
		defer func() { <-p.gate }()
	case <-ctx.Done():
		p.tracker.TrackDropped(trackerComponent)
		return nil, model.ErrSaturated(time.Second)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxComputationTime.Std())
	defer cancel()

	cm := &costModel{
		criterion:       opts.Criterion,
		opts:            opts,
		elevatorPenalty: p.cfg.ElevatorPenalty,
		escalatorBonus:  p.cfg.EscalatorBonus,
		stairsPenalty:   p.cfg.StairsPenalty,
		safety:          p.safety,
		safetyScale:     p.cfg.FloorPenalty,
	}

	start := time.Now()
	res, err := astar(ctx, snap, startID, endID, cm, p.cfg.FloorPenalty, p.cfg.MaxExpansions)
	elapsed := time.Since(start)
	p.tracker.TrackLatency(trackerComponent, elapsed)

	if err != nil {
		expanded := 0
		if res != nil {
			expanded = res.nodesExpanded
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			p.tracker.TrackError(trackerComponent)
			return nil, model.ErrRouteTimeout("search exceeded %s after %d nodes", p.cfg.MaxComputationTime.Std(), expanded)
		case errors.Is(err, context.Canceled):
			return nil, model.ErrRouteCancelled("search cancelled after %d nodes", expanded)
		}
		p.tracker.TrackError(trackerComponent)
		return nil, err
	}

	route := p.assemble(snap, res, opts, elapsed)
	if opts.MaxWalkingDistance > 0 && route.Metrics.TotalDistance > opts.MaxWalkingDistance {
		p.tracker.TrackRejected(trackerComponent)
		return nil, model.ErrNoRouteFound("shortest route is %.0f m, above the %.0f m walking limit",
			route.Metrics.TotalDistance, opts.MaxWalkingDistance)
	}

	p.cache.put(key, route)
	p.tracker.TrackAccepted(trackerComponent)
	p.logger.Debug("route computed",
		"from", startID, "to", endID,
		"criterion", opts.Criterion,
		"nodes", len(route.Path),
		"distance_m", fmt.Sprintf("%.1f", route.Metrics.TotalDistance),
		"expanded", res.nodesExpanded,
		"took", elapsed)
	return route, nil
}

func (p *Planner) assemble(snap *graph.Snapshot, res *searchResult, opts model.RouteOptions, elapsed time.Duration) *model.Route {
	var metrics model.RouteMetrics
	accSum := 0.0
	for i := range res.edges {
		e := &res.edges[i]
		metrics.TotalDistance += e.Distance
		metrics.EstimatedTime += e.EstimatedTime
		if e.Mode == model.ModeElevator {
			metrics.EstimatedTime += p.cfg.ElevatorPenalty
		}
		accSum += e.AccessibilityScore
	}
	if len(res.edges) > 0 {
		metrics.AccessibilityScore = accSum / float64(len(res.edges))
	} else {
		metrics.AccessibilityScore = 1
	}
	if first, ok := snap.Node(res.path[0]); ok {
		if last, ok := snap.Node(res.path[len(res.path)-1]); ok {
			metrics.ElevationChange = last.Position.Floor - first.Position.Floor
		}
	}

	return &model.Route{
		Path:         res.path,
		Edges:        res.edges,
		Metrics:      metrics,
		Instructions: synthesize(snap, res),
		Options:      opts,
		Meta: model.ComputationMeta{
			Algorithm:     "astar",
			DurationMs:    elapsed.Milliseconds(),
			NodesExpanded: res.nodesExpanded,
			GraphVersion:  snap.Version(),
		},
	}
}
