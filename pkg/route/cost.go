package route

import (
	"math"

	"wayfind/pkg/model"
)

// SafetyScorer exposes the live hazard severity near an edge; 0 means
// clear, 1 is a critical zone on top of the edge. Implemented by the
// hazard engine.
type SafetyScorer interface {
	EdgeHazardScore(edgeID string) float64
}

// costModel evaluates edge costs for one search, with all options and
// tunables resolved up front so the inner loop stays allocation-free.
type costModel struct {
	criterion       model.RouteCriterion
	opts            model.RouteOptions
	elevatorPenalty float64
	escalatorBonus  float64
	stairsPenalty   float64
	safety          SafetyScorer
	// safetyScale converts a hazard score in [0,1] into cost units.
	safetyScale float64
}

// edgeCost returns the traversal cost of e, or +Inf when the edge is not
// usable under the current constraints.
func (c *costModel) edgeCost(e *model.Edge) float64 {
	if e.Status == model.EdgeClosed {
		return math.Inf(1)
	}
	if c.opts.ElevatorOnly && (e.Mode == model.ModeStairs || e.Mode == model.ModeEscalator) {
		return math.Inf(1)
	}
	if c.opts.WheelchairRequired && e.HasConstraint(model.ConstraintWheelchairInaccessible) {
		return math.Inf(1)
	}

	var base float64
	if c.criterion == model.CriterionShortest {
		base = e.Distance
	} else {
		base = e.EstimatedTime
	}

	switch e.Mode {
	case model.ModeElevator:
		base += c.elevatorPenalty
	case model.ModeEscalator:
		base *= c.escalatorBonus
	case model.ModeStairs:
		base *= c.stairsPenalty
	}

	if e.Status == model.EdgeDegraded || e.Status == model.EdgeMaintenance {
		base *= 1.5
	}

	switch c.criterion {
	case model.CriterionSafest:
		if c.safety != nil {
			w := c.opts.SafetyWeight
			if w == 0 {
				w = 1
			}
			base += w * c.safety.EdgeHazardScore(e.ID) * c.safetyScale
		}
	case model.CriterionAccessible:
		w := c.opts.AccessibilityWeight
		if w == 0 {
			w = 1
		}
		base += w * (1 - e.AccessibilityScore) * c.safetyScale
	}

	return base * e.DynamicWeight
}

// heuristic is the admissible remaining-cost estimate: straight-line
// distance plus a per-floor penalty.
func (c *costModel) heuristic(from, to model.Position, floorPenalty float64) float64 {
	dx := to.X - from.X
	dy := to.Y - from.Y
	d := math.Hypot(dx, dy)
	floors := math.Abs(float64(to.Floor - from.Floor))

	if c.criterion == model.CriterionShortest {
		// Meter domain: floors add at least their vertical extent.
		return d
	}
	// Time domain: assume the fastest plausible horizontal speed so the
	// estimate never overshoots the true cost.
	const maxSpeed = 10.0 // m/s
	return d/maxSpeed + floors*floorPenalty
}
