package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"wayfind/pkg/model"
)

// OrbPolygon converts a model polygon to an orb polygon in local meters.
func OrbPolygon(p model.Polygon) orb.Polygon {
	poly := make(orb.Polygon, 0, len(p.Rings))
	for _, ring := range p.Rings {
		r := make(orb.Ring, 0, len(ring))
		for _, v := range ring {
			r = append(r, orb.Point{v[0], v[1]})
		}
		poly = append(poly, r)
	}
	return poly
}

// ContainsPoint checks if a geometry contains a point.
func ContainsPoint(geom orb.Geometry, point orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, point)
	case orb.MultiPolygon:
		for _, poly := range g {
			if planar.PolygonContains(poly, point) {
				return true
			}
		}
	}
	return false
}

// DistanceToGeometry calculates the minimum distance from a point to any
// part of a geometry.
func DistanceToGeometry(point orb.Point, geom orb.Geometry) float64 {
	switch g := geom.(type) {
	case orb.Polygon:
		return DistanceToPolygon(point, g)
	case orb.MultiPolygon:
		minDist := math.MaxFloat64
		for _, poly := range g {
			d := DistanceToPolygon(point, poly)
			if d < minDist {
				minDist = d
			}
		}
		return minDist
	}
	return math.MaxFloat64
}

// DistanceToPolygon calculates minimum distance from point to polygon boundary.
func DistanceToPolygon(point orb.Point, poly orb.Polygon) float64 {
	minDist := math.MaxFloat64

	for _, ring := range poly {
		for i := 0; i < len(ring)-1; i++ {
			d := DistanceToSegment(point, ring[i], ring[i+1])
			if d < minDist {
				minDist = d
			}
		}
	}

	return minDist
}

// SignedDistanceToPolygon is the distance to the polygon boundary,
// negative when the point lies inside.
func SignedDistanceToPolygon(point orb.Point, poly orb.Polygon) float64 {
	d := DistanceToPolygon(point, poly)
	if planar.PolygonContains(poly, point) {
		return -d
	}
	return d
}

// DistanceToSegment calculates the minimum distance from a point to a
// line segment.
func DistanceToSegment(p, a, b orb.Point) float64 {
	dx := b[0] - a[0]
	dy := b[1] - a[1]

	if dx == 0 && dy == 0 {
		return planar.Distance(p, a)
	}

	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)

	if t < 0 {
		return planar.Distance(p, a)
	} else if t > 1 {
		return planar.Distance(p, b)
	}

	closest := orb.Point{a[0] + t*dx, a[1] + t*dy}
	return planar.Distance(p, closest)
}

// ProjectOntoSegment returns the closest point on segment ab to p and the
// parameter t in [0,1] of the projection.
func ProjectOntoSegment(p, a, b orb.Point) (orb.Point, float64) {
	dx := b[0] - a[0]
	dy := b[1] - a[1]
	if dx == 0 && dy == 0 {
		return a, 0
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return orb.Point{a[0] + t*dx, a[1] + t*dy}, t
}

// SegmentIntersectsPolygon reports whether segment ab crosses or touches
// the polygon: either endpoint inside, or any boundary crossing.
func SegmentIntersectsPolygon(a, b orb.Point, poly orb.Polygon) bool {
	if planar.PolygonContains(poly, a) || planar.PolygonContains(poly, b) {
		return true
	}
	for _, ring := range poly {
		for i := 0; i < len(ring)-1; i++ {
			if segmentsIntersect(a, b, ring[i], ring[i+1]) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect tests proper and collinear-touching intersection of
// segments pq and rs via orientation signs.
func segmentsIntersect(p, q, r, s orb.Point) bool {
	o1 := orientation(p, q, r)
	o2 := orientation(p, q, s)
	o3 := orientation(r, s, p)
	o4 := orientation(r, s, q)

	if o1 != o2 && o3 != o4 {
		return true
	}

	// Collinear touching cases.
	if o1 == 0 && onSegment(p, r, q) {
		return true
	}
	if o2 == 0 && onSegment(p, s, q) {
		return true
	}
	if o3 == 0 && onSegment(r, p, s) {
		return true
	}
	if o4 == 0 && onSegment(r, q, s) {
		return true
	}
	return false
}

func orientation(a, b, c orb.Point) int {
	v := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case v > 1e-12:
		return 1
	case v < -1e-12:
		return -1
	}
	return 0
}

func onSegment(a, p, b orb.Point) bool {
	return p[0] <= math.Max(a[0], b[0]) && p[0] >= math.Min(a[0], b[0]) &&
		p[1] <= math.Max(a[1], b[1]) && p[1] >= math.Min(a[1], b[1])
}
