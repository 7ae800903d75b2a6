package store

import (
	"context"

	"wayfind/pkg/model"
)

// GraphStore handles navigation graph persistence.
type GraphStore interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
	ListEdges(ctx context.Context) ([]model.Edge, error)
	SaveNodes(ctx context.Context, nodes []model.Node) error
	SaveEdges(ctx context.Context, edges []model.Edge) error
}

// BeaconStore handles installed BLE beacon positions.
type BeaconStore interface {
	ListBeacons(ctx context.Context) (map[string]model.Position, error)
	SaveBeacons(ctx context.Context, beacons map[string]model.Position) error
}

// TransitionZoneStore handles calibrated transition zone persistence.
type TransitionZoneStore interface {
	ListTransitionZones(ctx context.Context) ([]model.TransitionZone, error)
	SaveTransitionZone(ctx context.Context, z *model.TransitionZone) error
}

// ZoneStore handles configured hazard zones and restricted areas.
// Runtime zones live in the hazard WAL, not here.
type ZoneStore interface {
	ListHazardZones(ctx context.Context) ([]model.HazardZone, error)
	SaveHazardZone(ctx context.Context, z *model.HazardZone) error
	DeleteHazardZone(ctx context.Context, id string) error
	ListRestrictedAreas(ctx context.Context) ([]model.RestrictedArea, error)
	SaveRestrictedArea(ctx context.Context, a *model.RestrictedArea) error
}
