package hazard

import (
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/graph"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

func square(x, y, half float64, floor int) model.Polygon {
	return model.Polygon{
		Floor: floor,
		Rings: []model.Ring{{
			{x - half, y - half},
			{x + half, y - half},
			{x + half, y + half},
			{x - half, y + half},
			{x - half, y - half},
		}},
	}
}

func testZone(id string, poly model.Polygon) model.HazardZone {
	return model.HazardZone{
		ID:       id,
		Name:     "Test Zone",
		Polygons: []model.Polygon{poly},
		Severity: model.SeverityHigh,
		Kind:     model.ZoneConstruction,
		Status:   model.ZoneActive,
	}
}

type captureNotifier struct {
	calls []struct {
		zoneID             string
		blocked, released  []string
	}
}

func (c *captureNotifier) HazardEdgesChanged(zoneID string, _ model.ZoneSeverity, blocked, released []string) {
	c.calls = append(c.calls, struct {
		zoneID            string
		blocked, released []string
	}{zoneID, blocked, released})
}

func testEngine(t *testing.T, notifier Notifier) (*Engine, *graph.Store) {
	t.Helper()
	gs := graph.NewStore(10)
	nodes := []model.Node{
		{ID: "a", Position: model.Position{X: 0, Y: 0}},
		{ID: "b", Position: model.Position{X: 40, Y: 0}},
		{ID: "c", Position: model.Position{X: 40, Y: 40}},
	}
	edges := []model.Edge{
		{ID: "e-ab", From: "a", To: "b", Distance: 40},
		{ID: "e-bc", From: "b", To: "c", Distance: 40},
	}
	if err := gs.Load(nodes, edges); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := config.DefaultConfig()
	return NewEngine(cfg.Hazard, gs, notifier, nil, tracker.New(), slog.Default()), gs
}

func TestCreateComputesBlockedEdges(t *testing.T) {
	notifier := &captureNotifier{}
	e, _ := testEngine(t, notifier)

	// A square over (20, 0) straddles edge a->b but not b->c.
	z, err := e.CreateZone(testZone("z1", square(20, 0, 5, 0)))
	if err != nil {
		t.Fatalf("CreateZone: %v", err)
	}
	if len(z.BlockedEdges) != 1 || z.BlockedEdges[0] != "e-ab" {
		t.Fatalf("blocked = %v, want [e-ab]", z.BlockedEdges)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("notifier called %d times, want 1", len(notifier.calls))
	}
	if e.EdgeHazardScore("e-ab") != 0.75 {
		t.Errorf("score(e-ab) = %.2f, want 0.75 (high)", e.EdgeHazardScore("e-ab"))
	}
	if e.EdgeHazardScore("e-bc") != 0 {
		t.Errorf("score(e-bc) = %.2f, want 0", e.EdgeHazardScore("e-bc"))
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	e, _ := testEngine(t, nil)
	if _, err := e.CreateZone(testZone("z1", square(0, 0, 5, 0))); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := e.CreateZone(testZone("z1", square(0, 0, 5, 0)))
	if !errors.Is(err, model.ErrZoneConflict("")) {
		t.Fatalf("err = %v, want zone_conflict", err)
	}
}

func TestUpdateConcurrentConflict(t *testing.T) {
	e, _ := testEngine(t, nil)
	created, err := e.CreateZone(testZone("z1", square(0, 0, 5, 0)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// First update with the right timestamp wins.
	upd := *created
	upd.Severity = model.SeverityCritical
	if _, err := e.UpdateZone(upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Second writer still holds the original timestamp.
	stale := *created
	stale.Severity = model.SeverityLow
	_, err = e.UpdateZone(stale)
	if !errors.Is(err, model.ErrZoneConflict("")) {
		t.Fatalf("err = %v, want zone_conflict", err)
	}
}

func TestDeleteReleasesEdges(t *testing.T) {
	notifier := &captureNotifier{}
	e, _ := testEngine(t, notifier)
	if _, err := e.CreateZone(testZone("z1", square(20, 0, 5, 0))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.DeleteZone("z1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	last := notifier.calls[len(notifier.calls)-1]
	if len(last.released) != 1 || last.released[0] != "e-ab" {
		t.Errorf("released = %v, want [e-ab]", last.released)
	}
	if e.EdgeHazardScore("e-ab") != 0 {
		t.Error("deleted zone still scores its edge")
	}
	if err := e.DeleteZone("z1"); !errors.Is(err, model.ErrZoneNotFound("")) {
		t.Errorf("double delete err = %v, want zone_not_found", err)
	}
}

func TestSweepExpired(t *testing.T) {
	e, _ := testEngine(t, nil)
	z := testZone("z1", square(0, 0, 5, 0))
	z.ValidUntil = time.Now().Add(-time.Hour)
	if _, err := e.CreateZone(z); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := e.SweepExpired(time.Now()); n != 1 {
		t.Fatalf("swept %d zones, want 1", n)
	}
	got, _ := e.Zone("z1")
	if got.Status != model.ZoneResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
}

func TestZoneValidation(t *testing.T) {
	e, _ := testEngine(t, nil)
	open := model.HazardZone{
		ID:       "bad",
		Severity: model.SeverityLow,
		Polygons: []model.Polygon{{Rings: []model.Ring{{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}}},
	}
	if _, err := e.CreateZone(open); !errors.Is(err, model.ErrInvalidInput("")) {
		t.Errorf("unclosed ring err = %v, want invalid_input", err)
	}
	if _, err := e.CreateZone(model.HazardZone{ID: "empty"}); err == nil {
		t.Error("zone without geometry accepted")
	}
}

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hazard.wal")

	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	cfg := config.DefaultConfig()
	gs := graph.NewStore(10)
	e := NewEngine(cfg.Hazard, gs, nil, wal, tracker.New(), slog.Default())

	if _, err := e.CreateZone(testZone("z1", square(0, 0, 5, 0))); err != nil {
		t.Fatalf("create z1: %v", err)
	}
	if _, err := e.CreateZone(testZone("z2", square(50, 50, 5, 1))); err != nil {
		t.Fatalf("create z2: %v", err)
	}
	if err := e.DeleteZone("z1"); err != nil {
		t.Fatalf("delete z1: %v", err)
	}
	wal.Close()

	// Fresh engine replays the log: only z2 survives.
	wal2, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer wal2.Close()
	e2 := NewEngine(cfg.Hazard, gs, nil, wal2, tracker.New(), slog.Default())
	if err := e2.ReplayWAL(); err != nil {
		t.Fatalf("ReplayWAL: %v", err)
	}
	if _, ok := e2.Zone("z1"); ok {
		t.Error("deleted zone z1 resurrected by replay")
	}
	if _, ok := e2.Zone("z2"); !ok {
		t.Error("zone z2 lost in replay")
	}
}
