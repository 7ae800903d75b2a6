package session

import (
	"time"

	"github.com/paulmach/orb"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
)

// progressAction is what the route session wants after a pose evaluation.
type progressAction int

const (
	actionNone progressAction = iota
	actionCompleted
	actionReplan
)

// RouteSession tracks one user's progress along their active route.
// Owned by the session actor; never shared.
type RouteSession struct {
	route  *model.Route
	status model.RouteSessionStatus

	progressIndex  int // index of the edge currently being traversed
	deviationSince time.Time
	deviations     int // sustained deviations on this route
	lastPose       *model.Pose

	cfg config.SessionConfig
}

// NewRouteSession activates a freshly planned route.
func NewRouteSession(r *model.Route, cfg config.SessionConfig) *RouteSession {
	return &RouteSession{route: r, status: model.RouteActive, cfg: cfg}
}

// Route returns the current route.
func (rs *RouteSession) Route() *model.Route { return rs.route }

// Status returns the session status.
func (rs *RouteSession) Status() model.RouteSessionStatus { return rs.status }

// ProgressIndex returns the index of the edge being traversed.
func (rs *RouteSession) ProgressIndex() int { return rs.progressIndex }

// Replace installs a re-planned route and resumes Active. Deviation
// history restarts with the new geometry.
func (rs *RouteSession) Replace(r *model.Route) {
	rs.route = r
	rs.status = model.RouteActive
	rs.progressIndex = 0
	rs.deviations = 0
	rs.deviationSince = time.Time{}
}

// MarkRecomputing flags the session while a re-plan is in flight.
func (rs *RouteSession) MarkRecomputing() { rs.status = model.RouteRecomputing }

// MarkStale keeps the old route as last-known-good after a failed
// re-plan.
func (rs *RouteSession) MarkStale() {
	rs.route.Stale = true
	rs.status = model.RouteRecomputing
}

// Cancel ends the session.
func (rs *RouteSession) Cancel() { rs.status = model.RouteCancelled }

// UsesAnyEdge reports whether any of the given edges lies on the not yet
// traversed remainder of the route.
func (rs *RouteSession) UsesAnyEdge(edgeIDs []string) bool {
	remaining := map[string]bool{}
	for i := rs.progressIndex; i < len(rs.route.Edges); i++ {
		remaining[rs.route.Edges[i].ID] = true
	}
	for _, id := range edgeIDs {
		if remaining[id] {
			return true
		}
	}
	return false
}

// OnPose projects the fused pose onto the route and advances progress.
func (rs *RouteSession) OnPose(snap *graph.Snapshot, pose *model.Pose, now time.Time) progressAction {
	if rs.status != model.RouteActive {
		rs.lastPose = pose
		return actionNone
	}
	rs.lastPose = pose
	pt := orb.Point{pose.Position.X, pose.Position.Y}

	// Arrival check against the destination node.
	destID := rs.route.Path[len(rs.route.Path)-1]
	if dest, ok := snap.Node(destID); ok && dest.Position.Floor == pose.Position.Floor {
		if geo.LocalDistance(dest.Position, pose.Position) <= rs.cfg.ArrivalRadius {
			rs.status = model.RouteCompleted
			return actionCompleted
		}
	}

	// Project onto the remaining edges; progress never moves backwards.
	bestIdx, bestDist := rs.progressIndex, -1.0
	for i := rs.progressIndex; i < len(rs.route.Edges); i++ {
		e := &rs.route.Edges[i]
		from, ok1 := snap.Node(e.From)
		to, ok2 := snap.Node(e.To)
		if !ok1 || !ok2 {
			continue
		}
		a := orb.Point{from.Position.X, from.Position.Y}
		b := orb.Point{to.Position.X, to.Position.Y}
		d := geo.DistanceToSegment(pt, a, b)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	rs.progressIndex = bestIdx

	if bestDist < 0 {
		return actionNone
	}

	// Deviation: off the corridor, sustained, twice.
	if bestDist > rs.cfg.DeviationThreshold {
		if rs.deviationSince.IsZero() {
			rs.deviationSince = now
		} else if now.Sub(rs.deviationSince) >= rs.cfg.DeviationSustain.Std() {
			rs.deviations++
			rs.deviationSince = time.Time{}
			if rs.deviations >= 2 {
				rs.status = model.RouteRecomputing
				return actionReplan
			}
		}
	} else {
		rs.deviationSince = time.Time{}
	}
	return actionNone
}

// CurrentInstruction returns the instruction for the edge being
// traversed, or nil past the end.
func (rs *RouteSession) CurrentInstruction() *model.Instruction {
	// Instructions: [start, one per edge..., arrive].
	idx := rs.progressIndex + 1
	if idx < 0 || idx >= len(rs.route.Instructions) {
		return nil
	}
	return &rs.route.Instructions[idx]
}
