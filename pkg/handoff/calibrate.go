package handoff

import (
	"math"
	"time"

	"wayfind/pkg/model"
)

// CalibrationPair is one matched indoor/GPS observation for recalibration.
type CalibrationPair struct {
	Indoor model.Position    `json:"indoor"`
	Geo    model.GeoPosition `json:"geo"`
	// Weight defaults to 1; use inverse variance when accuracies differ.
	Weight float64 `json:"weight"`
}

// Recalibrate solves a weighted rigid fit (rotation about +z plus
// translation) mapping projected GPS points onto their indoor matches,
// and atomically swaps the zone's calibration. The rigid constraint keeps
// the rotation block orthonormal so the load-time validation always holds.
func (e *Engine) Recalibrate(zoneID string, pairs []CalibrationPair) (*model.Calibration, error) {
	if len(pairs) < 2 {
		return nil, model.ErrInvalidInput("recalibration needs at least 2 pairs, got %d", len(pairs))
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := *e.zones.Load()
	zone, ok := cur[zoneID]
	if !ok {
		return nil, model.ErrZoneNotFound(zoneID)
	}

	// Weighted centroids of both point sets.
	var wsum, mix, miy, mgx, mgy float64
	type pt struct{ ix, iy, gx, gy, w float64 }
	pts := make([]pt, len(pairs))
	for i, p := range pairs {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		raw := e.proj.ToLocal(p.Geo)
		pts[i] = pt{ix: p.Indoor.X, iy: p.Indoor.Y, gx: raw.X, gy: raw.Y, w: w}
		wsum += w
		mix += w * p.Indoor.X
		miy += w * p.Indoor.Y
		mgx += w * raw.X
		mgy += w * raw.Y
	}
	mix /= wsum
	miy /= wsum
	mgx /= wsum
	mgy /= wsum

	// 2D weighted Kabsch: the optimal rotation angle comes from the
	// cross-covariance of the centered point sets.
	var sxx, sxy float64
	for _, p := range pts {
		ax, ay := p.gx-mgx, p.gy-mgy
		bx, by := p.ix-mix, p.iy-miy
		sxx += p.w * (ax*bx + ay*by)
		sxy += p.w * (ax*by - ay*bx)
	}
	theta := math.Atan2(sxy, sxx)
	cosT, sinT := math.Cos(theta), math.Sin(theta)

	tx := mix - (cosT*mgx - sinT*mgy)
	ty := miy - (sinT*mgx + cosT*mgy)
	tz := zone.IndoorAnchor.Z - e.proj.ToLocal(zone.OutdoorAnchor).Z

	cal := model.Calibration{
		Affine: [16]float64{
			cosT, -sinT, 0, tx,
			sinT, cosT, 0, ty,
			0, 0, 1, tz,
			0, 0, 0, 1,
		},
		Rotation:     theta * 180 / math.Pi,
		Offset:       [3]float64{tx, ty, tz},
		CalibratedAt: time.Now(),
	}
	if err := validateCalibration(&cal); err != nil {
		return nil, model.ErrInternal("", err)
	}

	next := make(map[string]*model.TransitionZone, len(cur))
	for id, z := range cur {
		next[id] = z
	}
	updated := *zone
	updated.Calibration = cal
	next[zoneID] = &updated
	e.zones.Store(&next)

	e.logger.Info("zone recalibrated",
		"zone", zoneID,
		"pairs", len(pairs),
		"rotation_deg", cal.Rotation,
		"offset_m", math.Hypot(tx, ty))
	return &cal, nil
}
