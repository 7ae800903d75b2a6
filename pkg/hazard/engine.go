// Package hazard maintains hazard zones and restricted areas, answers
// proximity queries per fused pose, and derives blocked-edge lists for
// the facility broker.
package hazard

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

const trackerComponent = "hazard"

// Notifier receives blocked-edge changes; implemented by the facility
// broker which turns them into graph patches.
type Notifier interface {
	HazardEdgesChanged(zoneID string, severity model.ZoneSeverity, blocked, released []string)
}

// zoneGeom is the precomputed geometry of one active zone on one floor.
type zoneGeom struct {
	zoneID    string
	floor     int
	severity  model.ZoneSeverity
	proximity float64
	cooldown  time.Duration
	poly      orb.Polygon
	bound     orb.Bound
}

// Engine is the hazard and geofence store. Reads are hot and take the
// read lock; zone CRUD is serialized behind the write lock.
type Engine struct {
	cfg      config.HazardConfig
	graphs   *graph.Store
	notifier Notifier
	wal      *WAL
	trk      *tracker.Tracker
	logger   *slog.Logger

	mu         sync.RWMutex
	zones      map[string]*model.HazardZone
	areas      map[string]*model.RestrictedArea
	floorIndex map[int][]*zoneGeom
	edgeScores map[string]float64
}

// NewEngine creates an empty engine. wal may be nil (no persistence).
func NewEngine(cfg config.HazardConfig, gs *graph.Store, notifier Notifier, wal *WAL, trk *tracker.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		graphs:     gs,
		notifier:   notifier,
		wal:        wal,
		trk:        trk,
		logger:     logger.With("component", "hazard"),
		zones:      map[string]*model.HazardZone{},
		areas:      map[string]*model.RestrictedArea{},
		floorIndex: map[int][]*zoneGeom{},
		edgeScores: map[string]float64{},
	}
}

// Zone returns a hazard zone by ID.
func (e *Engine) Zone(id string) (*model.HazardZone, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	z, ok := e.zones[id]
	return z, ok
}

// Zones returns all hazard zones, sorted by ID.
func (e *Engine) Zones() []*model.HazardZone {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.HazardZone, 0, len(e.zones))
	for _, z := range e.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateZone adds a zone. An existing ID is a conflict.
func (e *Engine) CreateZone(z model.HazardZone) (*model.HazardZone, error) {
	if err := validateZone(&z); err != nil {
		return nil, err
	}
	e.applyDefaults(&z)
	now := time.Now()
	z.CreatedAt = now
	z.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.zones[z.ID]; exists {
		e.mu.Unlock()
		return nil, model.ErrZoneConflict("zone %s already exists", z.ID)
	}
	e.zones[z.ID] = &z
	prevBlocked := []string(nil)
	e.refreshZoneLocked(&z)
	e.mu.Unlock()

	e.persist(walOpPut, &z)
	e.notifyChange(&z, prevBlocked)
	e.logger.Info("zone created", "zone", z.ID, "kind", z.Kind, "severity", z.Severity)
	return &z, nil
}

// UpdateZone replaces a zone's mutable fields. The caller's UpdatedAt
// must match the stored one; a mismatch means a concurrent mutation.
func (e *Engine) UpdateZone(z model.HazardZone) (*model.HazardZone, error) {
	if err := validateZone(&z); err != nil {
		return nil, err
	}
	e.applyDefaults(&z)

	e.mu.Lock()
	old, ok := e.zones[z.ID]
	if !ok {
		e.mu.Unlock()
		return nil, model.ErrZoneNotFound(z.ID)
	}
	if !z.UpdatedAt.IsZero() && !z.UpdatedAt.Equal(old.UpdatedAt) {
		e.mu.Unlock()
		return nil, model.ErrZoneConflict("zone %s was modified concurrently", z.ID)
	}
	prevBlocked := old.BlockedEdges
	z.CreatedAt = old.CreatedAt
	z.UpdatedAt = time.Now()
	e.zones[z.ID] = &z
	e.refreshZoneLocked(&z)
	e.mu.Unlock()

	e.persist(walOpPut, &z)
	e.notifyChange(&z, prevBlocked)
	e.logger.Info("zone updated", "zone", z.ID, "status", z.Status)
	return &z, nil
}

// DeleteZone removes a zone and releases its blocked edges.
func (e *Engine) DeleteZone(id string) error {
	e.mu.Lock()
	old, ok := e.zones[id]
	if !ok {
		e.mu.Unlock()
		return model.ErrZoneNotFound(id)
	}
	delete(e.zones, id)
	e.rebuildIndexLocked()
	e.mu.Unlock()

	e.persist(walOpDelete, &model.HazardZone{ID: id})
	if e.notifier != nil && len(old.BlockedEdges) > 0 {
		e.notifier.HazardEdgesChanged(id, old.Severity, nil, old.BlockedEdges)
	}
	e.logger.Info("zone deleted", "zone", id)
	return nil
}

// SetZoneStatus flips a zone's lifecycle status.
func (e *Engine) SetZoneStatus(id string, status model.ZoneStatus) (*model.HazardZone, error) {
	e.mu.Lock()
	z, ok := e.zones[id]
	if !ok {
		e.mu.Unlock()
		return nil, model.ErrZoneNotFound(id)
	}
	prevBlocked := z.BlockedEdges
	updated := *z
	updated.Status = status
	updated.UpdatedAt = time.Now()
	e.zones[id] = &updated
	e.refreshZoneLocked(&updated)
	e.mu.Unlock()

	e.persist(walOpPut, &updated)
	e.notifyChange(&updated, prevBlocked)
	return &updated, nil
}

// SweepExpired resolves zones whose validity window has passed. Run by
// the scheduler.
func (e *Engine) SweepExpired(now time.Time) int {
	e.mu.RLock()
	var expired []string
	for id, z := range e.zones {
		if z.Status == model.ZoneActive && !z.ValidUntil.IsZero() && now.After(z.ValidUntil) {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range expired {
		if _, err := e.SetZoneStatus(id, model.ZoneResolved); err == nil {
			e.logger.Info("zone expired", "zone", id)
		}
	}
	return len(expired)
}

// LoadZones seeds map-authored hazard zones. They are not written to
// the WAL; the facility map source owns them. Runtime zones replayed
// from the WAL keep precedence on ID collision.
func (e *Engine) LoadZones(zones []model.HazardZone) {
	e.mu.Lock()
	for i := range zones {
		z := zones[i]
		if _, exists := e.zones[z.ID]; exists {
			continue
		}
		e.applyDefaults(&z)
		e.zones[z.ID] = &z
		if z.EffectiveAt(time.Now()) {
			z.BlockedEdges = e.blockedEdges(&z)
		}
	}
	e.rebuildIndexLocked()
	e.mu.Unlock()
}

// LoadAreas replaces the restricted-area set (from the facility map).
func (e *Engine) LoadAreas(areas []model.RestrictedArea) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.areas = make(map[string]*model.RestrictedArea, len(areas))
	for i := range areas {
		a := areas[i]
		e.areas[a.ID] = &a
	}
}

// Area returns a restricted area by ID.
func (e *Engine) Area(id string) (*model.RestrictedArea, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.areas[id]
	return a, ok
}

// EdgeHazardScore implements the route planner's safety scorer: the
// highest severity score among active zones intersecting the edge.
func (e *Engine) EdgeHazardScore(edgeID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.edgeScores[edgeID]
}

func (e *Engine) applyDefaults(z *model.HazardZone) {
	if z.Status == "" {
		z.Status = model.ZoneActive
	}
	if z.ProximityThreshold <= 0 {
		z.ProximityThreshold = e.cfg.AlertProximityThreshold
	}
	if z.AlertCooldown <= 0 {
		z.AlertCooldown = e.cfg.DefaultCooldown.Std()
	}
}

func validateZone(z *model.HazardZone) error {
	if z.ID == "" {
		return model.ErrInvalidInput("zone without ID")
	}
	if len(z.Polygons) == 0 {
		return model.ErrInvalidInput("zone %s has no geometry", z.ID)
	}
	for _, p := range z.Polygons {
		if len(p.Rings) == 0 {
			return model.ErrInvalidInput("zone %s has a polygon without rings", z.ID)
		}
		for _, r := range p.Rings {
			if len(r) < 4 {
				return model.ErrInvalidInput("zone %s ring has fewer than 4 vertices", z.ID)
			}
			if r[0] != r[len(r)-1] {
				return model.ErrInvalidInput("zone %s ring is not closed", z.ID)
			}
		}
	}
	return nil
}

// refreshZoneLocked recomputes one zone's blocked edges and rebuilds the
// spatial index. Caller holds the write lock.
func (e *Engine) refreshZoneLocked(z *model.HazardZone) {
	if z.EffectiveAt(time.Now()) {
		z.BlockedEdges = e.blockedEdges(z)
	} else {
		z.BlockedEdges = nil
	}
	e.rebuildIndexLocked()
}

// blockedEdges tests every graph edge on the zone's floors for
// segment-polygon intersection.
func (e *Engine) blockedEdges(z *model.HazardZone) []string {
	snap := e.graphs.Snapshot()
	floors := map[int][]orb.Polygon{}
	for _, p := range z.Polygons {
		floors[p.Floor] = append(floors[p.Floor], geo.OrbPolygon(p))
	}

	var blocked []string
	snap.Edges(func(edge *model.Edge) bool {
		from, ok1 := snap.Node(edge.From)
		to, ok2 := snap.Node(edge.To)
		if !ok1 || !ok2 || from.Position.Floor != to.Position.Floor {
			return true
		}
		polys, ok := floors[from.Position.Floor]
		if !ok {
			return true
		}
		a := orb.Point{from.Position.X, from.Position.Y}
		b := orb.Point{to.Position.X, to.Position.Y}
		for _, poly := range polys {
			if geo.SegmentIntersectsPolygon(a, b, poly) {
				blocked = append(blocked, edge.ID)
				break
			}
		}
		return true
	})
	sort.Strings(blocked)
	return blocked
}

// rebuildIndexLocked rebuilds the floor index and edge score map from the
// currently effective zones. Caller holds the write lock.
func (e *Engine) rebuildIndexLocked() {
	now := time.Now()
	e.floorIndex = map[int][]*zoneGeom{}
	e.edgeScores = map[string]float64{}

	for _, z := range e.zones {
		if !z.EffectiveAt(now) {
			continue
		}
		score := model.SeverityScore(z.Severity)
		for _, edgeID := range z.BlockedEdges {
			if score > e.edgeScores[edgeID] {
				e.edgeScores[edgeID] = score
			}
		}
		for _, p := range z.Polygons {
			poly := geo.OrbPolygon(p)
			e.floorIndex[p.Floor] = append(e.floorIndex[p.Floor], &zoneGeom{
				zoneID:    z.ID,
				floor:     p.Floor,
				severity:  z.Severity,
				proximity: z.ProximityThreshold,
				cooldown:  z.AlertCooldown,
				poly:      poly,
				bound:     poly.Bound(),
			})
		}
	}
}

func (e *Engine) notifyChange(z *model.HazardZone, prevBlocked []string) {
	if e.notifier == nil {
		return
	}
	released := diffStrings(prevBlocked, z.BlockedEdges)
	if len(z.BlockedEdges) == 0 && len(released) == 0 {
		return
	}
	e.notifier.HazardEdgesChanged(z.ID, z.Severity, z.BlockedEdges, released)
}

// diffStrings returns the elements of a not present in b; both sorted.
func diffStrings(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] == b[j]:
			i++
			j++
		default:
			j++
		}
	}
	return out
}

func (e *Engine) persist(op string, z *model.HazardZone) {
	if e.wal == nil {
		return
	}
	if err := e.wal.Append(walRecord{Op: op, Zone: z, At: time.Now()}); err != nil {
		e.trk.TrackError(trackerComponent)
		e.logger.Error("hazard WAL append failed", "zone", z.ID, "error", err)
	}
}

// ReplayWAL restores runtime zones from the append-only log. Later
// records win; deletes drop earlier puts.
func (e *Engine) ReplayWAL() error {
	if e.wal == nil {
		return nil
	}
	records, err := e.wal.Replay()
	if err != nil {
		return fmt.Errorf("hazard WAL replay: %w", err)
	}

	e.mu.Lock()
	for _, rec := range records {
		switch rec.Op {
		case walOpPut:
			if rec.Zone != nil {
				z := *rec.Zone
				e.zones[z.ID] = &z
			}
		case walOpDelete:
			if rec.Zone != nil {
				delete(e.zones, rec.Zone.ID)
			}
		}
	}
	for _, z := range e.zones {
		if z.EffectiveAt(time.Now()) {
			z.BlockedEdges = e.blockedEdges(z)
		}
	}
	e.rebuildIndexLocked()
	count := len(e.zones)
	e.mu.Unlock()

	e.logger.Info("hazard WAL replayed", "records", len(records), "zones", count)
	return nil
}
