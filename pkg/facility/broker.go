// Package facility applies live operational state to the navigation
// graph: asset status updates, crowd density, and hazard-driven edge
// blocks are merged per edge and published as versioned graph patches.
package facility

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

const trackerComponent = "facility"

// EventSink receives facility_change events; implemented by the session
// bus.
type EventSink interface {
	Publish(model.Event)
}

// Invalidator is told which edges changed so active route sessions
// crossing them can re-plan. Implemented by the session registry.
type Invalidator interface {
	EdgesInvalidated(edgeIDs []string, reason string)
}

// edgeState is the broker's merged view of one edge's live inputs.
type edgeState struct {
	assetStatus model.EdgeStatus // "" = no asset update received
	density     float64          // [0,1]
	blockedBy   map[string]bool  // hazard zone IDs
}

// Broker owns all live-state writes to the graph store. It is the
// single writer; callers from any goroutine are serialized here.
type Broker struct {
	cfg    config.FacilityConfig
	graphs *graph.Store
	sink   EventSink
	inval  Invalidator
	trk    *tracker.Tracker
	logger *slog.Logger

	mu    sync.Mutex
	edges map[string]*edgeState
}

// NewBroker wires the broker against the graph store. sink and inval may
// be nil during early startup and attached later.
func NewBroker(cfg config.FacilityConfig, gs *graph.Store, trk *tracker.Tracker, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:    cfg,
		graphs: gs,
		trk:    trk,
		logger: logger.With("component", "facility"),
		edges:  map[string]*edgeState{},
	}
}

// Attach connects the event sink and invalidator once the session layer
// exists. Called during startup wiring, before traffic.
func (b *Broker) Attach(sink EventSink, inval Invalidator) {
	b.sink = sink
	b.inval = inval
}

// AssetUpdate is one operational status change for an edge-backed asset.
type AssetUpdate struct {
	AssetID string           `json:"asset_id"` // edge ID of the asset
	Status  model.EdgeStatus `json:"status"`
	Reason  string           `json:"reason,omitempty"`
	Source  string           `json:"source,omitempty"`
}

// ApplyAssetStatus merges asset status updates and patches the graph.
// Identical repeated updates do not publish a new graph version.
func (b *Broker) ApplyAssetStatus(updates []AssetUpdate) (uint64, error) {
	b.mu.Lock()
	var patches []graph.EdgePatch
	for _, u := range updates {
		st := b.edge(u.AssetID)
		st.assetStatus = u.Status
		patches = append(patches, b.patchFor(u.AssetID, st))
	}
	version, err := b.graphs.PatchEdges(patches)
	b.mu.Unlock()
	if err != nil {
		b.trk.TrackError(trackerComponent)
		return 0, err
	}

	b.trk.TrackAccepted(trackerComponent)
	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		changed = append(changed, u.AssetID)
		if b.sink != nil {
			b.sink.Publish(model.Event{
				Topic:       model.TopicFacilityChange,
				TimestampMs: time.Now().UnixMilli(),
				Payload: model.FacilityChangePayload{
					Kind:         model.EventFacilityChange,
					AssetID:      u.AssetID,
					NewStatus:    u.Status,
					Reason:       u.Reason,
					UpdatedBy:    u.Source,
					GraphVersion: version,
				},
			})
		}
	}
	b.invalidate(changed, "asset status change")
	b.logger.Info("asset status applied", "assets", len(updates), "version", version)
	return version, nil
}

// CrowdUpdate is one crowd-density reading for an edge.
type CrowdUpdate struct {
	EdgeID  string  `json:"edge_id"`
	Density float64 `json:"density"` // [0,1]
}

// ApplyCrowdDensity folds density readings into dynamic edge weights.
func (b *Broker) ApplyCrowdDensity(updates []CrowdUpdate) (uint64, error) {
	b.mu.Lock()
	var patches []graph.EdgePatch
	for _, u := range updates {
		d := math.Max(0, math.Min(1, u.Density))
		st := b.edge(u.EdgeID)
		st.density = d
		patches = append(patches, b.patchFor(u.EdgeID, st))
	}
	version, err := b.graphs.PatchEdges(patches)
	b.mu.Unlock()
	if err != nil {
		b.trk.TrackError(trackerComponent)
		return 0, err
	}
	b.trk.TrackAccepted(trackerComponent)

	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		changed = append(changed, u.EdgeID)
	}
	b.invalidate(changed, "crowd density change")
	return version, nil
}

// HazardEdgesChanged implements the hazard engine's notifier: blocked
// edges close, released edges fall back to their asset status.
func (b *Broker) HazardEdgesChanged(zoneID string, _ model.ZoneSeverity, blocked, released []string) {
	b.mu.Lock()
	var patches []graph.EdgePatch
	for _, id := range blocked {
		st := b.edge(id)
		if st.blockedBy == nil {
			st.blockedBy = map[string]bool{}
		}
		st.blockedBy[zoneID] = true
		patches = append(patches, b.patchFor(id, st))
	}
	for _, id := range released {
		st := b.edge(id)
		delete(st.blockedBy, zoneID)
		patches = append(patches, b.patchFor(id, st))
	}
	version, err := b.graphs.PatchEdges(patches)
	b.mu.Unlock()
	if err != nil {
		b.trk.TrackError(trackerComponent)
		b.logger.Error("hazard edge patch failed", "zone", zoneID, "error", err)
		return
	}

	b.invalidate(append(append([]string{}, blocked...), released...), "hazard zone "+zoneID)
	b.logger.Info("hazard edges applied",
		"zone", zoneID, "blocked", len(blocked), "released", len(released), "version", version)
}

// edge returns the merged state for an edge, creating it on first touch.
// Caller holds the mutex.
func (b *Broker) edge(id string) *edgeState {
	st, ok := b.edges[id]
	if !ok {
		st = &edgeState{}
		b.edges[id] = st
	}
	return st
}

// patchFor derives the published status and weight from merged inputs.
// Caller holds the mutex.
func (b *Broker) patchFor(edgeID string, st *edgeState) graph.EdgePatch {
	status := st.assetStatus
	if status == "" {
		status = model.EdgeOperational
	}
	// A hazard block overrides any asset status.
	if len(st.blockedBy) > 0 {
		status = model.EdgeClosed
	}

	// Cubic response: light crowds cost almost nothing, dense crowds
	// dominate.
	weight := 1 + b.cfg.CrowdPenalty*st.density*st.density*st.density

	return graph.EdgePatch{
		EdgeID:        edgeID,
		Status:        &status,
		DynamicWeight: &weight,
	}
}

func (b *Broker) invalidate(edgeIDs []string, reason string) {
	if b.inval != nil && len(edgeIDs) > 0 {
		b.inval.EdgesInvalidated(edgeIDs, reason)
	}
}
