package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"

	"wayfind/pkg/model"
)

func TestProjectionRoundTrip(t *testing.T) {
	// Zurich airport reference origin.
	p := NewProjection(47.4647, 8.5492, 432)

	tests := []struct {
		name  string
		local model.Position
	}{
		{"origin", model.Position{}},
		{"east", model.Position{X: 250}},
		{"north", model.Position{Y: 400}},
		{"up", model.Position{Z: 12}},
		{"diagonal", model.Position{X: -180.5, Y: 322.25, Z: 4.5}},
		{"far corner", model.Position{X: 2500, Y: -2500, Z: -8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.ToLocal(p.ToGeo(tt.local))
			if math.Abs(got.X-tt.local.X) > 0.01 ||
				math.Abs(got.Y-tt.local.Y) > 0.01 ||
				math.Abs(got.Z-tt.local.Z) > 0.01 {
				t.Errorf("round trip %+v -> %+v", tt.local, got)
			}
		})
	}
}

func TestProjectionAxes(t *testing.T) {
	p := NewProjection(47.0, 8.0, 0)

	// Moving north increases latitude, east increases longitude.
	north := p.ToGeo(model.Position{Y: 1000})
	if north.Lat <= 47.0 {
		t.Errorf("north lat = %f, want > 47", north.Lat)
	}
	east := p.ToGeo(model.Position{X: 1000})
	if east.Lon <= 8.0 {
		t.Errorf("east lon = %f, want > 8", east.Lon)
	}

	// 1000 m north corresponds to about 0.009 degrees of latitude.
	if d := north.Lat - 47.0; math.Abs(d-0.008993) > 1e-4 {
		t.Errorf("lat delta = %f", d)
	}
}

func TestHaversineDistance(t *testing.T) {
	// Zurich airport to Geneva airport is roughly 230 km.
	zrh := Point{Lat: 47.4647, Lon: 8.5492}
	gva := Point{Lat: 46.2381, Lon: 6.1090}
	d := Distance(zrh, gva)
	if d < 225_000 || d > 235_000 {
		t.Errorf("distance = %.0f m, want ~230 km", d)
	}
	if Distance(zrh, zrh) != 0 {
		t.Errorf("self distance non-zero")
	}
}

func TestLocalBearing(t *testing.T) {
	tests := []struct {
		name string
		to   model.Position
		want float64
	}{
		{"north", model.Position{Y: 10}, 0},
		{"east", model.Position{X: 10}, 90},
		{"south", model.Position{Y: -10}, 180},
		{"west", model.Position{X: -10}, 270},
		{"northeast", model.Position{X: 10, Y: 10}, 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LocalBearing(model.Position{}, tt.to)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("bearing = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0},
		{190, -170},
		{-190, 170},
		{540, 180},
		{-45, -45},
	}
	for _, tt := range tests {
		if got := NormalizeAngle(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("NormalizeAngle(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func unitSquare() orb.Polygon {
	return orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
}

func TestSignedDistanceToPolygon(t *testing.T) {
	poly := unitSquare()

	tests := []struct {
		name string
		pt   orb.Point
		want float64
	}{
		{"inside center", orb.Point{5, 5}, -5},
		{"inside near edge", orb.Point{1, 5}, -1},
		{"outside right", orb.Point{13, 5}, 3},
		{"outside corner", orb.Point{13, 14}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SignedDistanceToPolygon(tt.pt, poly)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("signed distance = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestSegmentIntersectsPolygon(t *testing.T) {
	poly := unitSquare()

	tests := []struct {
		name string
		a, b orb.Point
		want bool
	}{
		{"crosses through", orb.Point{-5, 5}, orb.Point{15, 5}, true},
		{"endpoint inside", orb.Point{5, 5}, orb.Point{20, 20}, true},
		{"clear miss", orb.Point{-5, 15}, orb.Point{-5, -5}, false},
		{"touches corner", orb.Point{-10, 20}, orb.Point{20, -10}, true},
		{"parallel outside", orb.Point{-1, -1}, orb.Point{11, -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SegmentIntersectsPolygon(tt.a, tt.b, poly); got != tt.want {
				t.Errorf("intersects = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProjectOntoSegment(t *testing.T) {
	a, b := orb.Point{0, 0}, orb.Point{10, 0}

	pt, tparam := ProjectOntoSegment(orb.Point{4, 3}, a, b)
	if pt[0] != 4 || pt[1] != 0 || math.Abs(tparam-0.4) > 1e-9 {
		t.Errorf("projection = %v t=%f", pt, tparam)
	}

	// Beyond the end clamps to the endpoint.
	pt, tparam = ProjectOntoSegment(orb.Point{15, 2}, a, b)
	if pt != b || tparam != 1 {
		t.Errorf("clamped projection = %v t=%f", pt, tparam)
	}
}
