// Package graph holds the in-memory navigation graph: immutable versioned
// snapshots, a per-floor spatial grid, and a single-writer patch path.
package graph

import (
	"math"

	"wayfind/pkg/model"
)

type gridKey struct {
	Floor int
	X     int
	Y     int
}

// Snapshot is an immutable, versioned view of the navigation graph.
// Readers hold a snapshot pointer for the duration of one operation and
// never observe partial patches.
type Snapshot struct {
	version  uint64
	nodes    map[string]*model.Node
	edges    map[string]*model.Edge
	outgoing map[string][]string // nodeID -> edge IDs, sorted by edge ID
	grid     map[gridKey][]string
	cellSize float64
}

// Version returns the snapshot's graph version.
func (s *Snapshot) Version() uint64 { return s.version }

// Node returns a node by ID.
func (s *Snapshot) Node(id string) (*model.Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Edge returns an edge by ID.
func (s *Snapshot) Edge(id string) (*model.Edge, bool) {
	e, ok := s.edges[id]
	return e, ok
}

// NodeCount returns the number of nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of edges.
func (s *Snapshot) EdgeCount() int { return len(s.edges) }

// Neighbors returns the outgoing edges of a node, ordered by edge ID.
func (s *Snapshot) Neighbors(nodeID string) []*model.Edge {
	ids := s.outgoing[nodeID]
	out := make([]*model.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.edges[id])
	}
	return out
}

// Edges calls fn for every edge until fn returns false.
func (s *Snapshot) Edges(fn func(*model.Edge) bool) {
	for _, e := range s.edges {
		if !fn(e) {
			return
		}
	}
}

// NodeFilter restricts candidate nodes during a snap.
type NodeFilter func(*model.Node) bool

// WheelchairFilter accepts only wheelchair-accessible nodes.
func WheelchairFilter(n *model.Node) bool {
	return n.Accessibility.Wheelchair
}

// NearestNode snaps a position to the closest node on the same floor
// within maxRadius, scanning grid cells in expanding rings. Returns the
// node and its planar distance, or ("", inf) when nothing is in range.
func (s *Snapshot) NearestNode(pos model.Position, maxRadius float64, filter NodeFilter) (string, float64) {
	if s.cellSize <= 0 {
		return "", math.Inf(1)
	}
	cx := int(math.Floor(pos.X / s.cellSize))
	cy := int(math.Floor(pos.Y / s.cellSize))
	maxRing := int(math.Ceil(maxRadius/s.cellSize)) + 1

	bestID := ""
	bestDist := math.Inf(1)

	for ring := 0; ring <= maxRing; ring++ {
		// Once a hit exists, candidates in farther rings cannot beat it
		// by more than one cell diagonal; one extra ring closes the gap.
		if bestID != "" && float64(ring-1)*s.cellSize > bestDist {
			break
		}
		for _, key := range ringCells(pos.Floor, cx, cy, ring) {
			for _, id := range s.grid[key] {
				n := s.nodes[id]
				if filter != nil && !filter(n) {
					continue
				}
				d := math.Hypot(n.Position.X-pos.X, n.Position.Y-pos.Y)
				if d <= maxRadius && d < bestDist {
					bestDist = d
					bestID = id
				}
			}
		}
	}
	return bestID, bestDist
}

// ringCells enumerates the cells on the square ring at Chebyshev distance
// r around (cx, cy).
func ringCells(floor, cx, cy, r int) []gridKey {
	if r == 0 {
		return []gridKey{{floor, cx, cy}}
	}
	cells := make([]gridKey, 0, 8*r)
	for x := cx - r; x <= cx+r; x++ {
		cells = append(cells, gridKey{floor, x, cy - r}, gridKey{floor, x, cy + r})
	}
	for y := cy - r + 1; y <= cy+r-1; y++ {
		cells = append(cells, gridKey{floor, cx - r, y}, gridKey{floor, cx + r, y})
	}
	return cells
}
