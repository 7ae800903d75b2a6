package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"wayfind/pkg/model"
)

// Store publishes graph snapshots. Reads are lock-free via an atomic
// pointer; mutation is single-writer (facility broker and reloads).
type Store struct {
	writeMu  sync.Mutex
	current  atomic.Pointer[Snapshot]
	cellSize float64
	logger   *slog.Logger
}

// NewStore creates a store with an empty snapshot.
func NewStore(cellSize float64) *Store {
	s := &Store{
		cellSize: cellSize,
		logger:   slog.With("component", "graph"),
	}
	s.current.Store(&Snapshot{
		nodes:    map[string]*model.Node{},
		edges:    map[string]*model.Edge{},
		outgoing: map[string][]string{},
		grid:     map[gridKey][]string{},
		cellSize: cellSize,
	})
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Version returns the current graph version.
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

// Load replaces the whole graph with a fresh facility map, keeping the
// version monotonic across reloads. Edges referencing unknown nodes are
// rejected.
func (s *Store) Load(nodes []model.Node, edges []model.Edge) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := build(nodes, edges, s.cellSize)
	if err != nil {
		return err
	}
	next.version = s.current.Load().version + 1
	s.current.Store(next)
	s.logger.Info("graph loaded", "nodes", len(nodes), "edges", len(edges), "version", next.version)
	return nil
}

func build(nodes []model.Node, edges []model.Edge, cellSize float64) (*Snapshot, error) {
	snap := &Snapshot{
		nodes:    make(map[string]*model.Node, len(nodes)),
		edges:    make(map[string]*model.Edge, len(edges)),
		outgoing: make(map[string][]string, len(nodes)),
		grid:     make(map[gridKey][]string),
		cellSize: cellSize,
	}

	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has empty ID", i)
		}
		if _, dup := snap.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node ID %s", n.ID)
		}
		snap.nodes[n.ID] = &n
		key := gridKey{
			Floor: n.Position.Floor,
			X:     int(n.Position.X / cellSize),
			Y:     int(n.Position.Y / cellSize),
		}
		snap.grid[key] = append(snap.grid[key], n.ID)
	}

	for i := range edges {
		e := edges[i]
		if e.ID == "" {
			return nil, fmt.Errorf("edge %d has empty ID", i)
		}
		if _, ok := snap.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge %s references unknown node %s", e.ID, e.From)
		}
		if _, ok := snap.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge %s references unknown node %s", e.ID, e.To)
		}
		if _, dup := snap.edges[e.ID]; dup {
			return nil, fmt.Errorf("duplicate edge ID %s", e.ID)
		}
		if e.DynamicWeight == 0 {
			e.DynamicWeight = 1
		}
		if e.Status == "" {
			e.Status = model.EdgeOperational
		}
		snap.edges[e.ID] = &e
		snap.outgoing[e.From] = append(snap.outgoing[e.From], e.ID)
	}

	// Deterministic neighbor order gives deterministic route tie-breaks.
	for _, ids := range snap.outgoing {
		sort.Strings(ids)
	}
	return snap, nil
}

// EdgePatch changes the live attributes of one edge. Nil fields are left
// untouched.
type EdgePatch struct {
	EdgeID        string
	Status        *model.EdgeStatus
	DynamicWeight *float64
}

// PatchEdges installs a new snapshot with the given edge changes applied
// and bumps the graph version. A patch that changes nothing returns the
// current version without publishing. Unknown edge IDs are skipped and
// reported.
func (s *Store) PatchEdges(patches []EdgePatch) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current.Load()
	changed := false

	// Copy-on-write: nodes, adjacency and grid are shared, the edge map
	// is re-pointed for modified entries only.
	nextEdges := make(map[string]*model.Edge, len(cur.edges))
	for id, e := range cur.edges {
		nextEdges[id] = e
	}

	for _, p := range patches {
		old, ok := nextEdges[p.EdgeID]
		if !ok {
			s.logger.Warn("patch for unknown edge", "edge", p.EdgeID)
			continue
		}
		e := *old
		if p.Status != nil && e.Status != *p.Status {
			e.Status = *p.Status
			changed = true
		}
		if p.DynamicWeight != nil && e.DynamicWeight != *p.DynamicWeight {
			e.DynamicWeight = *p.DynamicWeight
			changed = true
		}
		nextEdges[p.EdgeID] = &e
	}

	if !changed {
		return cur.version, nil
	}

	next := &Snapshot{
		version:  cur.version + 1,
		nodes:    cur.nodes,
		edges:    nextEdges,
		outgoing: cur.outgoing,
		grid:     cur.grid,
		cellSize: cur.cellSize,
	}
	s.current.Store(next)
	return next.version, nil
}

// ValidationReport lists structural oddities found in a loaded map.
type ValidationReport struct {
	OrphanNodes []string // nodes with no incident edges
	// OneWayVertical lists elevator/escalator/stairs edges without a
	// reverse counterpart; usually a map authoring mistake for elevators.
	OneWayVertical []string
}

// Validate inspects the current snapshot for structural problems.
func (s *Store) Validate() ValidationReport {
	snap := s.current.Load()
	var rep ValidationReport

	incident := make(map[string]bool, len(snap.nodes))
	reverse := make(map[[2]string]bool, len(snap.edges))
	for _, e := range snap.edges {
		incident[e.From] = true
		incident[e.To] = true
		reverse[[2]string{e.From, e.To}] = true
	}
	for id := range snap.nodes {
		if !incident[id] {
			rep.OrphanNodes = append(rep.OrphanNodes, id)
		}
	}
	for _, e := range snap.edges {
		if e.Mode == model.ModeElevator || e.Mode == model.ModeEscalator || e.Mode == model.ModeStairs {
			if !reverse[[2]string{e.To, e.From}] {
				rep.OneWayVertical = append(rep.OneWayVertical, e.ID)
			}
		}
	}
	sort.Strings(rep.OrphanNodes)
	sort.Strings(rep.OneWayVertical)
	return rep
}
