package fusion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"wayfind/pkg/config"
	"wayfind/pkg/model"
)

// rssiToDistance inverts the log-distance path loss model:
// RSSI = txPower − 10·n·log10(d).
func rssiToDistance(rssi float64, cfg *config.FusionConfig) float64 {
	return math.Pow(10, (cfg.BleTxPowerAt1m-rssi)/(10*cfg.BlePathLossExponent))
}

// bleEstimate is a position fix derived from one batch of beacon readings.
type bleEstimate struct {
	pos model.Position
	// spread is the residual scatter in meters; added to the base BLE
	// noise so a bad geometry widens the observation.
	spread float64
	count  int
}

type beaconFix struct {
	pos  model.Position
	dist float64
}

// trilaterate estimates a position from beacon readings with known
// positions. Three or more beacons solve a linearized least-squares
// system; one or two fall back to an inverse-distance weighted centroid.
func trilaterate(readings []model.BeaconReading, cfg *config.FusionConfig) (bleEstimate, bool) {
	var fixes []beaconFix
	for _, r := range readings {
		if r.Position == nil {
			continue
		}
		d := r.Distance
		if d <= 0 {
			d = rssiToDistance(r.RSSI, cfg)
		}
		if d <= 0 || d > cfg.BleMaxRange {
			continue
		}
		fixes = append(fixes, beaconFix{pos: *r.Position, dist: d})
	}
	if len(fixes) == 0 {
		return bleEstimate{}, false
	}

	// Floor from the nearest beacon; BLE cannot disambiguate floors on
	// signal strength alone across slabs, proximity is the best signal.
	nearest := fixes[0]
	for _, f := range fixes[1:] {
		if f.dist < nearest.dist {
			nearest = f
		}
	}

	if len(fixes) < 3 {
		return centroidEstimate(fixes, nearest.pos.Floor), true
	}

	// Linearize around the first beacon: subtracting the first range
	// equation from the others removes the quadratic terms.
	ref := fixes[0]
	n := len(fixes) - 1
	a := mat.NewDense(n, 2, nil)
	b := mat.NewVecDense(n, nil)
	for i, f := range fixes[1:] {
		a.Set(i, 0, 2*(f.pos.X-ref.pos.X))
		a.Set(i, 1, 2*(f.pos.Y-ref.pos.Y))
		b.SetVec(i,
			ref.dist*ref.dist-f.dist*f.dist+
				f.pos.X*f.pos.X-ref.pos.X*ref.pos.X+
				f.pos.Y*f.pos.Y-ref.pos.Y*ref.pos.Y)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		// Collinear beacons; the centroid is the best remaining answer.
		return centroidEstimate(fixes, nearest.pos.Floor), true
	}

	est := model.Position{
		X:     sol.AtVec(0),
		Y:     sol.AtVec(1),
		Z:     nearest.pos.Z,
		Floor: nearest.pos.Floor,
	}

	// Residual scatter against the measured ranges.
	var sum float64
	for _, f := range fixes {
		predicted := math.Hypot(est.X-f.pos.X, est.Y-f.pos.Y)
		resid := predicted - f.dist
		sum += resid * resid
	}
	spread := math.Sqrt(sum / float64(len(fixes)))

	return bleEstimate{pos: est, spread: spread, count: len(fixes)}, true
}

func centroidEstimate(fixes []beaconFix, floor int) bleEstimate {
	var wx, wy, wz, wsum float64
	for _, f := range fixes {
		w := 1 / math.Max(f.dist, 0.1)
		wx += w * f.pos.X
		wy += w * f.pos.Y
		wz += w * f.pos.Z
		wsum += w
	}
	est := model.Position{
		X:     wx / wsum,
		Y:     wy / wsum,
		Z:     wz / wsum,
		Floor: floor,
	}
	// A centroid from so few beacons is roughly as uncertain as the
	// nearest range itself.
	spread := fixes[0].dist
	for _, f := range fixes {
		if f.dist < spread {
			spread = f.dist
		}
	}
	return bleEstimate{pos: est, spread: spread, count: len(fixes)}
}
