// Package store persists the facility map behind small repository
// interfaces; the only implementation is SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wayfind/pkg/db"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
)

// Store composes all sub-interfaces for full store access.
// Consumers should depend on specific sub-interfaces when possible.
type Store interface {
	GraphStore
	BeaconStore
	TransitionZoneStore
	ZoneStore

	// Close closes the store connection.
	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *db.DB
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(db *db.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Graph ---

func (s *SQLiteStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, name, x, y, z, floor, wheelchair, elevator_access, braille FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		err := rows.Scan(
			&n.ID, &n.Kind, &n.Name,
			&n.Position.X, &n.Position.Y, &n.Position.Z, &n.Position.Floor,
			&n.Accessibility.Wheelchair, &n.Accessibility.ElevatorAccess, &n.Accessibility.Braille,
		)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLiteStore) SaveNodes(ctx context.Context, nodes []model.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO nodes (id, kind, name, x, y, z, floor, wheelchair, elevator_access, braille)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range nodes {
		n := &nodes[i]
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.Kind, n.Name,
			n.Position.X, n.Position.Y, n.Position.Z, n.Position.Floor,
			n.Accessibility.Wheelchair, n.Accessibility.ElevatorAccess, n.Accessibility.Braille,
		); err != nil {
			return fmt.Errorf("failed to save node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEdges(ctx context.Context) ([]model.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_node, to_node, distance, estimated_time, mode, accessibility_score, constraints FROM edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.Edge
	for rows.Next() {
		var e model.Edge
		var constraints sql.NullString
		err := rows.Scan(&e.ID, &e.From, &e.To, &e.Distance, &e.EstimatedTime,
			&e.Mode, &e.AccessibilityScore, &constraints)
		if err != nil {
			return nil, err
		}
		if constraints.Valid && constraints.String != "" {
			if err := json.Unmarshal([]byte(constraints.String), &e.Constraints); err != nil {
				return nil, fmt.Errorf("bad constraints on edge %s: %w", e.ID, err)
			}
		}
		// Live fields start at their neutral values; the broker and
		// hazard engine own them at runtime.
		e.Status = model.EdgeOperational
		e.DynamicWeight = 1
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *SQLiteStore) SaveEdges(ctx context.Context, edges []model.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO edges (id, from_node, to_node, distance, estimated_time, mode, accessibility_score, constraints)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range edges {
		e := &edges[i]
		var constraints []byte
		if len(e.Constraints) > 0 {
			if constraints, err = json.Marshal(e.Constraints); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.From, e.To, e.Distance, e.EstimatedTime, e.Mode,
			e.AccessibilityScore, string(constraints),
		); err != nil {
			return fmt.Errorf("failed to save edge %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// --- Beacons ---

func (s *SQLiteStore) ListBeacons(ctx context.Context) (map[string]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, x, y, z, floor FROM beacons`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	beacons := make(map[string]model.Position)
	for rows.Next() {
		var id string
		var p model.Position
		if err := rows.Scan(&id, &p.X, &p.Y, &p.Z, &p.Floor); err != nil {
			return nil, err
		}
		beacons[id] = p
	}
	return beacons, rows.Err()
}

func (s *SQLiteStore) SaveBeacons(ctx context.Context, beacons map[string]model.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO beacons (id, x, y, z, floor) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, p := range beacons {
		if _, err := stmt.ExecContext(ctx, id, p.X, p.Y, p.Z, p.Floor); err != nil {
			return fmt.Errorf("failed to save beacon %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- Transition zones ---

func (s *SQLiteStore) ListTransitionZones(ctx context.Context) ([]model.TransitionZone, error) {
	return listJSON[model.TransitionZone](ctx, s.db, "transition_zones")
}

func (s *SQLiteStore) SaveTransitionZone(ctx context.Context, z *model.TransitionZone) error {
	return saveJSON(ctx, s.db, "transition_zones", z.ID, z)
}

// --- Hazard zones / restricted areas ---

func (s *SQLiteStore) ListHazardZones(ctx context.Context) ([]model.HazardZone, error) {
	return listJSON[model.HazardZone](ctx, s.db, "hazard_zones")
}

func (s *SQLiteStore) SaveHazardZone(ctx context.Context, z *model.HazardZone) error {
	return saveJSON(ctx, s.db, "hazard_zones", z.ID, z)
}

func (s *SQLiteStore) DeleteHazardZone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hazard_zones WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListRestrictedAreas(ctx context.Context) ([]model.RestrictedArea, error) {
	return listJSON[model.RestrictedArea](ctx, s.db, "restricted_areas")
}

func (s *SQLiteStore) SaveRestrictedArea(ctx context.Context, a *model.RestrictedArea) error {
	return saveJSON(ctx, s.db, "restricted_areas", a.ID, a)
}

// Zone geometry nests polygons and calibration; one JSON document per
// row keeps the schema stable while those types evolve.
func listJSON[T any](ctx context.Context, d *db.DB, table string) ([]T, error) {
	rows, err := d.QueryContext(ctx, `SELECT data FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("bad %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func saveJSON(ctx context.Context, d *db.DB, table, id string, v any) error {
	if id == "" {
		return errors.New("missing id")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+` (id, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		id, string(data))
	return err
}

// --- Facility map assembly ---

// LoadFacilityMap assembles the full map from the database.
func (s *SQLiteStore) LoadFacilityMap(ctx context.Context) (*graph.FacilityMap, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	beacons, err := s.ListBeacons(ctx)
	if err != nil {
		return nil, fmt.Errorf("load beacons: %w", err)
	}
	tz, err := s.ListTransitionZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transition zones: %w", err)
	}
	hz, err := s.ListHazardZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hazard zones: %w", err)
	}
	areas, err := s.ListRestrictedAreas(ctx)
	if err != nil {
		return nil, fmt.Errorf("load restricted areas: %w", err)
	}
	return &graph.FacilityMap{
		Nodes:           nodes,
		Edges:           edges,
		Beacons:         beacons,
		TransitionZones: tz,
		HazardZones:     hz,
		RestrictedAreas: areas,
	}, nil
}

// SaveFacilityMap writes a parsed map into the database, replacing
// matching rows. Used by the import path when the map source is a file.
func (s *SQLiteStore) SaveFacilityMap(ctx context.Context, fm *graph.FacilityMap) error {
	if err := s.SaveNodes(ctx, fm.Nodes); err != nil {
		return err
	}
	if err := s.SaveEdges(ctx, fm.Edges); err != nil {
		return err
	}
	if err := s.SaveBeacons(ctx, fm.Beacons); err != nil {
		return err
	}
	for i := range fm.TransitionZones {
		if err := s.SaveTransitionZone(ctx, &fm.TransitionZones[i]); err != nil {
			return err
		}
	}
	for i := range fm.HazardZones {
		if err := s.SaveHazardZone(ctx, &fm.HazardZones[i]); err != nil {
			return err
		}
	}
	for i := range fm.RestrictedAreas {
		if err := s.SaveRestrictedArea(ctx, &fm.RestrictedAreas[i]); err != nil {
			return err
		}
	}
	return nil
}

// BeaconDirectory is an immutable in-memory view of installed beacons,
// satisfying the fusion engine's resolver interface.
type BeaconDirectory struct {
	byID map[string]model.Position
}

// NewBeaconDirectory copies the given beacon map.
func NewBeaconDirectory(beacons map[string]model.Position) *BeaconDirectory {
	byID := make(map[string]model.Position, len(beacons))
	for id, p := range beacons {
		byID[id] = p
	}
	return &BeaconDirectory{byID: byID}
}

// BeaconPosition resolves one beacon's installed position.
func (d *BeaconDirectory) BeaconPosition(id string) (model.Position, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// Len returns the number of known beacons.
func (d *BeaconDirectory) Len() int { return len(d.byID) }
