package hazard

import (
	"math"
	"time"

	"github.com/paulmach/orb"

	"wayfind/pkg/geo"
	"wayfind/pkg/model"
)

// AlertKind classifies one geofence event.
type AlertKind string

const (
	AlertEntered     AlertKind = "entered"
	AlertApproaching AlertKind = "approaching"
	AlertExited      AlertKind = "exited"
)

// Alert is one geofence event for one user.
type Alert struct {
	ZoneID   string             `json:"zone_id"`
	ZoneName string             `json:"zone_name"`
	Kind     AlertKind          `json:"kind"`
	Severity model.ZoneSeverity `json:"severity"`
	// Distance to the zone boundary, meters; negative inside.
	Distance float64 `json:"distance"`
}

// UserState is the per-user geofence memory: which zones the user is
// inside, per-zone cooldowns and the alert rate window. Owned by the
// user's session actor.
type UserState struct {
	inside        map[string]bool
	cooldownUntil map[string]time.Time
	alertTimes    []time.Time
}

// NewUserState creates empty geofence memory.
func NewUserState() *UserState {
	return &UserState{
		inside:        map[string]bool{},
		cooldownUntil: map[string]time.Time{},
	}
}

// Inside reports whether the user is currently inside the zone.
func (st *UserState) Inside(zoneID string) bool { return st.inside[zoneID] }

// GCCooldowns drops expired cooldown entries; called periodically so
// long-lived sessions do not accumulate dead zones.
func (st *UserState) GCCooldowns(now time.Time) {
	for id, until := range st.cooldownUntil {
		if now.After(until) {
			delete(st.cooldownUntil, id)
		}
	}
}

// Evaluate classifies the pose against every candidate zone on its floor
// and returns the alerts that survive cooldown and rate limiting.
func (e *Engine) Evaluate(st *UserState, pose *model.Pose, now time.Time) []Alert {
	pt := orb.Point{pose.Position.X, pose.Position.Y}

	e.mu.RLock()
	candidates := e.candidatesLocked(pose.Position.Floor, pt, st)
	e.mu.RUnlock()

	var alerts []Alert
	seen := map[string]bool{}
	for _, c := range candidates {
		seen[c.zoneID] = true
		d := geo.SignedDistanceToPolygon(pt, c.poly)
		// A floor change leaves the zone regardless of the footprint.
		if c.floor != pose.Position.Floor {
			d = math.Abs(d) + c.proximity*e.cfg.ExitHysteresis + 1
		}
		wasInside := st.inside[c.zoneID]

		switch {
		case d <= 0 && !wasInside:
			st.inside[c.zoneID] = true
			alerts = e.emit(st, alerts, Alert{
				ZoneID: c.zoneID, Kind: AlertEntered,
				Severity: c.severity, Distance: d,
			}, c, now, true)

		case d > 0 && wasInside:
			// Hysteresis keeps a user hovering at the boundary from
			// flapping enter/exit.
			if d > c.proximity*e.cfg.ExitHysteresis {
				st.inside[c.zoneID] = false
				alerts = e.emit(st, alerts, Alert{
					ZoneID: c.zoneID, Kind: AlertExited,
					Severity: c.severity, Distance: d,
				}, c, now, true)
			}

		case d > 0 && d <= c.proximity:
			alerts = e.emit(st, alerts, Alert{
				ZoneID: c.zoneID, Kind: AlertApproaching,
				Severity: c.severity, Distance: d,
			}, c, now, false)
		}
	}

	// Zones no longer indexed (deleted or deactivated) while the user was
	// inside: synthesize the exit.
	for zoneID, in := range st.inside {
		if in && !seen[zoneID] {
			st.inside[zoneID] = false
		}
	}
	return alerts
}

// candidatesLocked returns the zone geometries on the floor whose padded
// bounding box contains the point. Zones the user is currently inside are
// always candidates, on any floor, so the exit never goes unnoticed.
// Caller holds the read lock.
func (e *Engine) candidatesLocked(floor int, pt orb.Point, st *UserState) []*zoneGeom {
	var out []*zoneGeom
	added := map[string]bool{}
	for _, g := range e.floorIndex[floor] {
		pad := g.proximity * e.cfg.ExitHysteresis
		if pad < e.cfg.AlertProximityThreshold {
			pad = e.cfg.AlertProximityThreshold
		}
		if g.bound.Pad(pad).Contains(pt) || st.inside[g.zoneID] {
			out = append(out, g)
			added[g.zoneID] = true
		}
	}
	for f, geoms := range e.floorIndex {
		if f == floor {
			continue
		}
		for _, g := range geoms {
			if st.inside[g.zoneID] && !added[g.zoneID] {
				out = append(out, g)
				added[g.zoneID] = true
			}
		}
	}
	return out
}

// emit applies cooldown and the per-user rate limit. Boundary crossings
// (entered/exited) bypass cooldown but still count against the rate cap.
func (e *Engine) emit(st *UserState, alerts []Alert, a Alert, c *zoneGeom, now time.Time, crossing bool) []Alert {
	if !crossing {
		if until, ok := st.cooldownUntil[a.ZoneID]; ok && now.Before(until) {
			return alerts
		}
	}

	// Rolling one-minute window.
	cutoff := now.Add(-time.Minute)
	kept := st.alertTimes[:0]
	for _, t := range st.alertTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.alertTimes = kept
	if len(st.alertTimes) >= e.cfg.BatchAlertThreshold {
		e.trk.TrackDropped(trackerComponent)
		return alerts
	}

	st.alertTimes = append(st.alertTimes, now)
	st.cooldownUntil[a.ZoneID] = now.Add(c.cooldown)
	if z, ok := e.Zone(a.ZoneID); ok {
		a.ZoneName = z.Name
	}
	e.trk.TrackAccepted(trackerComponent)
	return append(alerts, a)
}

// AccessAllowed evaluates a restricted area's access level, role list and
// schedule for the given wall-clock instant.
func (e *Engine) AccessAllowed(areaID string, roles []string, now time.Time) (bool, error) {
	area, ok := e.Area(areaID)
	if !ok {
		return false, model.ErrZoneNotFound(areaID)
	}

	switch area.AccessLevel {
	case model.AccessPublic:
	case model.AccessEmergencyOnly:
		return hasRole(roles, "emergency"), nil
	case model.AccessRestricted, model.AccessAuthorized:
		allowed := false
		for _, r := range area.AllowedRoles {
			if hasRole(roles, r) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}

	if area.Schedule == nil {
		return true, nil
	}
	return scheduleOpen(area.Schedule, now)
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// scheduleOpen checks the weekly windows in the schedule's timezone,
// with date exceptions overriding the weekday defaults.
func scheduleOpen(s *model.Schedule, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false, model.ErrInvalidInput("bad timezone %q: %v", s.Timezone, err)
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	windows, isException := s.Exceptions[local.Format("2006-01-02")]
	if !isException {
		windows = s.Weekly[local.Weekday()]
	}
	for _, w := range windows {
		if minutes >= w.OpenMin && minutes < w.CloseMin {
			return true, nil
		}
	}
	return false, nil
}
