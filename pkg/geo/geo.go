// Package geo provides coordinate transforms between the facility-local
// ENU frame and WGS-84, plus the planar geometry shared by the graph and
// zone engines.
package geo

import (
	"math"

	"wayfind/pkg/model"
)

const earthRadius = 6371000 // meters

// Point is a geodetic coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Distance calculates the Haversine distance between two points in meters.
func Distance(p1, p2 Point) float64 {
	dLat := (p2.Lat - p1.Lat) * (math.Pi / 180.0)
	dLon := (p2.Lon - p1.Lon) * (math.Pi / 180.0)
	lat1 := p1.Lat * (math.Pi / 180.0)
	lat2 := p2.Lat * (math.Pi / 180.0)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

// Bearing calculates the initial bearing from p1 to p2 in degrees.
func Bearing(p1, p2 Point) float64 {
	lat1 := p1.Lat * (math.Pi / 180.0)
	lat2 := p2.Lat * (math.Pi / 180.0)
	dLon := (p2.Lon - p1.Lon) * (math.Pi / 180.0)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) -
		math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brng := math.Atan2(y, x)

	return math.Mod(brng*(180.0/math.Pi)+360.0, 360.0)
}

// NormalizeAngle normalizes an angle difference to the range [-180, 180].
func NormalizeAngle(angleDeg float64) float64 {
	for angleDeg > 180 {
		angleDeg -= 360
	}
	for angleDeg < -180 {
		angleDeg += 360
	}
	return angleDeg
}

// Projection converts between WGS-84 and the facility-local ENU frame
// anchored at a reference origin. Local coordinates are meters,
// +x east, +y north, +z up. The equirectangular approximation is accurate
// to well under a centimeter at facility scale (< 5 km extent).
type Projection struct {
	originLat float64 // degrees
	originLon float64
	originAlt float64
	// cached meters-per-degree at the origin latitude
	metersPerDegLat float64
	metersPerDegLon float64
}

// NewProjection creates a projection anchored at the given origin.
func NewProjection(lat, lon, alt float64) *Projection {
	latRad := lat * math.Pi / 180.0
	return &Projection{
		originLat:       lat,
		originLon:       lon,
		originAlt:       alt,
		metersPerDegLat: earthRadius * math.Pi / 180.0,
		metersPerDegLon: earthRadius * math.Pi / 180.0 * math.Cos(latRad),
	}
}

// Origin returns the projection's reference origin.
func (p *Projection) Origin() (lat, lon, alt float64) {
	return p.originLat, p.originLon, p.originAlt
}

// ToLocal converts a geodetic position to the local frame. Floor is not
// derivable from altitude alone and is left at 0; callers in a transition
// zone overwrite it from the zone's indoor anchor.
func (p *Projection) ToLocal(g model.GeoPosition) model.Position {
	return model.Position{
		X:           (g.Lon - p.originLon) * p.metersPerDegLon,
		Y:           (g.Lat - p.originLat) * p.metersPerDegLat,
		Z:           g.Alt - p.originAlt,
		TimestampNs: g.TimestampNs,
		Accuracy:    g.Accuracy,
	}
}

// ToGeo converts a local position back to WGS-84.
func (p *Projection) ToGeo(l model.Position) model.GeoPosition {
	return model.GeoPosition{
		Lat:         p.originLat + l.Y/p.metersPerDegLat,
		Lon:         p.originLon + l.X/p.metersPerDegLon,
		Alt:         p.originAlt + l.Z,
		TimestampNs: l.TimestampNs,
		Accuracy:    l.Accuracy,
	}
}

// LocalDistance is the planar distance between two local positions,
// ignoring floors.
func LocalDistance(a, b model.Position) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	return math.Hypot(dx, dy)
}

// LocalDistance3D includes the z component.
func LocalDistance3D(a, b model.Position) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	dz := b.Z - a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// LocalBearing is the bearing from a to b in degrees, 0 = +y (north),
// clockwise positive.
func LocalBearing(a, b model.Position) float64 {
	deg := math.Atan2(b.X-a.X, b.Y-a.Y) * 180.0 / math.Pi
	return math.Mod(deg+360.0, 360.0)
}
