// Package handoff arbitrates the indoor/outdoor reference frame per user
// and owns the transition-zone registry with its calibrations.
package handoff

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/model"
)

// Decision is the frame arbitration outcome for one pose evaluation.
type Decision string

const (
	DecisionStay            Decision = "stay"
	DecisionSwitchIndoor    Decision = "switch_indoor"
	DecisionSwitchOutdoor   Decision = "switch_outdoor"
	DecisionEnterTransition Decision = "enter_transition"
	DecisionExitTransition  Decision = "exit_transition"
)

// Engine holds the transition zones and the frame-switch policy. Zone
// reads are lock-free; calibration swaps install a new zone map.
type Engine struct {
	cfg    config.HandoffConfig
	proj   *geo.Projection
	logger *slog.Logger

	writeMu sync.Mutex
	zones   atomic.Pointer[map[string]*model.TransitionZone]
}

// NewEngine creates an engine with no zones loaded.
func NewEngine(cfg config.HandoffConfig, proj *geo.Projection, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		proj:   proj,
		logger: logger.With("component", "handoff"),
	}
	empty := map[string]*model.TransitionZone{}
	e.zones.Store(&empty)
	return e
}

// LoadZones replaces the zone registry. Every calibration is validated;
// one bad zone rejects the whole load.
func (e *Engine) LoadZones(zones []model.TransitionZone) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := make(map[string]*model.TransitionZone, len(zones))
	for i := range zones {
		z := zones[i]
		if z.ID == "" {
			return fmt.Errorf("transition zone %d has empty ID", i)
		}
		if z.Calibration.Affine == ([16]float64{}) {
			z.Calibration.Affine = identityAffine()
		}
		if err := validateCalibration(&z.Calibration); err != nil {
			return fmt.Errorf("zone %s: %w", z.ID, err)
		}
		if z.Radius <= 0 {
			return fmt.Errorf("zone %s has non-positive radius", z.ID)
		}
		next[z.ID] = &z
	}
	e.zones.Store(&next)
	e.logger.Info("transition zones loaded", "count", len(next))
	return nil
}

// Zone returns a transition zone by ID.
func (e *Engine) Zone(id string) (*model.TransitionZone, bool) {
	z, ok := (*e.zones.Load())[id]
	return z, ok
}

// Zones returns all registered zones.
func (e *Engine) Zones() []*model.TransitionZone {
	m := *e.zones.Load()
	out := make([]*model.TransitionZone, 0, len(m))
	for _, z := range m {
		out = append(out, z)
	}
	return out
}

// ZoneAt returns the transition zone covering a local position, if any.
func (e *Engine) ZoneAt(pos model.Position) *model.TransitionZone {
	for _, z := range *e.zones.Load() {
		if geo.LocalDistance(z.IndoorAnchor, pos) <= z.Radius {
			return z
		}
	}
	return nil
}

// ZoneAtGeo returns the zone covering a geodetic position, if any.
func (e *Engine) ZoneAtGeo(g model.GeoPosition) *model.TransitionZone {
	for _, z := range *e.zones.Load() {
		d := geo.Distance(
			geo.Point{Lat: g.Lat, Lon: g.Lon},
			geo.Point{Lat: z.OutdoorAnchor.Lat, Lon: z.OutdoorAnchor.Lon})
		if d <= z.Radius {
			return z
		}
	}
	return nil
}

// ToLocal converts a geodetic position to the local frame, applying the
// covering zone's calibration when inside one. Implements the fusion
// engine's Converter.
func (e *Engine) ToLocal(g model.GeoPosition) model.Position {
	raw := e.proj.ToLocal(g)
	if z := e.ZoneAtGeo(g); z != nil {
		corrected := applyAffine(z.Calibration.Affine, raw)
		corrected.Floor = z.IndoorAnchor.Floor
		corrected.TimestampNs = raw.TimestampNs
		corrected.Accuracy = raw.Accuracy
		return corrected
	}
	return raw
}

// ToGeo converts a local position to WGS-84 using the plain projection.
// Zone corrections are small near their anchors and not inverted here.
func (e *Engine) ToGeo(l model.Position) model.GeoPosition {
	return e.proj.ToGeo(l)
}

func identityAffine() [16]float64 {
	var a [16]float64
	a[0], a[5], a[10], a[15] = 1, 1, 1, 1
	return a
}

func applyAffine(a [16]float64, p model.Position) model.Position {
	return model.Position{
		X: a[0]*p.X + a[1]*p.Y + a[2]*p.Z + a[3],
		Y: a[4]*p.X + a[5]*p.Y + a[6]*p.Z + a[7],
		Z: a[8]*p.X + a[9]*p.Y + a[10]*p.Z + a[11],
	}
}

// validateCalibration checks the rotation block for orthonormality:
// ‖R·Rᵀ − I‖_F must stay within 1e-6.
func validateCalibration(c *model.Calibration) error {
	r := mat.NewDense(3, 3, nil)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r.Set(row, col, c.Affine[row*4+col])
		}
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	var norm float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			want := 0.0
			if row == col {
				want = 1
			}
			d := rrt.At(row, col) - want
			norm += d * d
		}
	}
	if math.Sqrt(norm) > 1e-6 {
		return fmt.Errorf("calibration rotation is not orthonormal (deviation %.2e)", math.Sqrt(norm))
	}
	return nil
}
