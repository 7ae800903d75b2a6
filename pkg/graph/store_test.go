package graph

import (
	"math"
	"sync"
	"testing"

	"wayfind/pkg/model"
)

func testNodes() []model.Node {
	return []model.Node{
		{ID: "a", Kind: model.NodeWalkway, Position: model.Position{X: 0, Y: 0}},
		{ID: "b", Kind: model.NodeWalkway, Position: model.Position{X: 50, Y: 0}},
		{ID: "c", Kind: model.NodeGate, Position: model.Position{X: 50, Y: 50},
			Accessibility: model.Accessibility{Wheelchair: true}},
		{ID: "up", Kind: model.NodeElevator, Position: model.Position{X: 0, Y: 0, Floor: 1}},
	}
}

func testEdges() []model.Edge {
	return []model.Edge{
		{ID: "ab", From: "a", To: "b", Distance: 50, Mode: model.ModeWalk},
		{ID: "ba", From: "b", To: "a", Distance: 50, Mode: model.ModeWalk},
		{ID: "bc", From: "b", To: "c", Distance: 50, Mode: model.ModeWalk},
		{ID: "a-up", From: "a", To: "up", Distance: 4, Mode: model.ModeElevator},
		{ID: "up-a", From: "up", To: "a", Distance: 4, Mode: model.ModeElevator},
	}
}

func loadedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(10)
	if err := s.Load(testNodes(), testEdges()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestLoadRejectsBadMaps(t *testing.T) {
	tests := []struct {
		name  string
		nodes []model.Node
		edges []model.Edge
	}{
		{
			name:  "edge to unknown node",
			nodes: []model.Node{{ID: "a"}},
			edges: []model.Edge{{ID: "e", From: "a", To: "ghost"}},
		},
		{
			name:  "edge from unknown node",
			nodes: []model.Node{{ID: "a"}},
			edges: []model.Edge{{ID: "e", From: "ghost", To: "a"}},
		},
		{
			name:  "duplicate node",
			nodes: []model.Node{{ID: "a"}, {ID: "a"}},
		},
		{
			name:  "duplicate edge",
			nodes: []model.Node{{ID: "a"}, {ID: "b"}},
			edges: []model.Edge{
				{ID: "e", From: "a", To: "b"},
				{ID: "e", From: "b", To: "a"},
			},
		},
		{
			name:  "empty node ID",
			nodes: []model.Node{{ID: ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(10)
			if err := s.Load(tt.nodes, tt.edges); err == nil {
				t.Error("Load accepted an invalid map")
			}
		})
	}
}

func TestLoadDefaultsLiveFields(t *testing.T) {
	s := loadedStore(t)
	e, ok := s.Snapshot().Edge("ab")
	if !ok {
		t.Fatal("edge ab missing")
	}
	if e.Status != model.EdgeOperational {
		t.Errorf("status = %s, want operational", e.Status)
	}
	if e.DynamicWeight != 1 {
		t.Errorf("dynamic weight = %f, want 1", e.DynamicWeight)
	}
}

func TestReloadKeepsVersionMonotonic(t *testing.T) {
	s := loadedStore(t)
	v1 := s.Version()
	if err := s.Load(testNodes(), testEdges()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if s.Version() != v1+1 {
		t.Errorf("version after reload = %d, want %d", s.Version(), v1+1)
	}
}

func TestPatchEdgesCopyOnWrite(t *testing.T) {
	s := loadedStore(t)
	before := s.Snapshot()

	closed := model.EdgeClosed
	weight := 2.5
	v, err := s.PatchEdges([]EdgePatch{{EdgeID: "ab", Status: &closed, DynamicWeight: &weight}})
	if err != nil {
		t.Fatalf("PatchEdges: %v", err)
	}
	if v != before.Version()+1 {
		t.Errorf("version = %d, want %d", v, before.Version()+1)
	}

	// The held snapshot is untouched; only the new one sees the patch.
	if e, _ := before.Edge("ab"); e.Status != model.EdgeOperational {
		t.Errorf("old snapshot mutated: status = %s", e.Status)
	}
	after := s.Snapshot()
	if e, _ := after.Edge("ab"); e.Status != model.EdgeClosed || e.DynamicWeight != 2.5 {
		t.Errorf("new snapshot missing patch: %+v", e)
	}
	// Unrelated edges share the same backing value.
	eOld, _ := before.Edge("bc")
	eNew, _ := after.Edge("bc")
	if eOld != eNew {
		t.Error("untouched edge was copied")
	}
}

func TestNoOpPatchKeepsVersion(t *testing.T) {
	s := loadedStore(t)
	v1 := s.Version()

	op := model.EdgeOperational
	w := 1.0
	v2, err := s.PatchEdges([]EdgePatch{{EdgeID: "ab", Status: &op, DynamicWeight: &w}})
	if err != nil {
		t.Fatalf("PatchEdges: %v", err)
	}
	if v2 != v1 {
		t.Errorf("no-op patch bumped version %d -> %d", v1, v2)
	}

	// Unknown edge IDs are skipped, not fatal.
	if _, err := s.PatchEdges([]EdgePatch{{EdgeID: "ghost", Status: &op}}); err != nil {
		t.Errorf("unknown edge patch errored: %v", err)
	}
}

func TestConcurrentReadersDuringPatches(t *testing.T) {
	s := loadedStore(t)
	closed := model.EdgeClosed
	open := model.EdgeOperational

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Snapshot()
				// Within one snapshot the edge set is complete.
				if snap.EdgeCount() != 5 {
					t.Errorf("partial snapshot: %d edges", snap.EdgeCount())
					return
				}
				if _, ok := snap.Edge("ab"); !ok {
					t.Error("edge vanished mid-read")
					return
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		st := closed
		if j%2 == 1 {
			st = open
		}
		if _, err := s.PatchEdges([]EdgePatch{{EdgeID: "ab", Status: &st}}); err != nil {
			t.Fatalf("PatchEdges: %v", err)
		}
	}
	wg.Wait()
}

func TestNearestNode(t *testing.T) {
	s := loadedStore(t)
	snap := s.Snapshot()

	tests := []struct {
		name   string
		pos    model.Position
		radius float64
		filter NodeFilter
		want   string
	}{
		{"exact hit", model.Position{X: 1, Y: 1}, 100, nil, "a"},
		{"between nodes", model.Position{X: 35, Y: 0}, 100, nil, "b"},
		{"wrong floor", model.Position{X: 1, Y: 1, Floor: 2}, 100, nil, ""},
		{"elevator floor", model.Position{X: 1, Y: 1, Floor: 1}, 100, nil, "up"},
		{"out of radius", model.Position{X: 500, Y: 500}, 50, nil, ""},
		{"wheelchair filter", model.Position{X: 45, Y: 5}, 100, WheelchairFilter, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, dist := snap.NearestNode(tt.pos, tt.radius, tt.filter)
			if id != tt.want {
				t.Errorf("nearest = %q (%.1f m), want %q", id, dist, tt.want)
			}
			if id == "" && !math.IsInf(dist, 1) {
				t.Errorf("miss should report +inf, got %f", dist)
			}
		})
	}
}

func TestNeighborsOrdered(t *testing.T) {
	s := loadedStore(t)
	snap := s.Snapshot()

	edges := snap.Neighbors("a")
	if len(edges) != 2 {
		t.Fatalf("neighbors of a = %d, want 2", len(edges))
	}
	if edges[0].ID != "a-up" || edges[1].ID != "ab" {
		t.Errorf("neighbor order = [%s %s], want [a-up ab]", edges[0].ID, edges[1].ID)
	}
}

func TestValidateReportsOddities(t *testing.T) {
	s := NewStore(10)
	nodes := append(testNodes(), model.Node{ID: "island", Position: model.Position{X: 900, Y: 900}})
	edges := append(testEdges(), model.Edge{ID: "c-up2", From: "c", To: "up", Mode: model.ModeEscalator})
	if err := s.Load(nodes, edges); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rep := s.Validate()
	if len(rep.OrphanNodes) != 1 || rep.OrphanNodes[0] != "island" {
		t.Errorf("orphans = %v, want [island]", rep.OrphanNodes)
	}
	if len(rep.OneWayVertical) != 1 || rep.OneWayVertical[0] != "c-up2" {
		t.Errorf("one-way vertical = %v, want [c-up2]", rep.OneWayVertical)
	}
}
