package handoff

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/model"
)

const (
	testLat = 47.45
	testLon = 8.56
)

func testZone() model.TransitionZone {
	return model.TransitionZone{
		ID:                  "tz-main",
		Name:                "Main Entrance",
		Kind:                model.TransitionEntrance,
		IndoorAnchor:        model.Position{X: 0, Y: 0, Floor: 0},
		OutdoorAnchor:       model.GeoPosition{Lat: testLat, Lon: testLon},
		Radius:              25,
		GPSMinAccuracy:      10,
		IndoorMinConfidence: 0.5,
	}
}

func testEngine(t *testing.T, zones ...model.TransitionZone) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	proj := geo.NewProjection(testLat, testLon, 0)
	e := NewEngine(cfg.Handoff, proj, slog.Default())
	if err := e.LoadZones(zones); err != nil {
		t.Fatalf("LoadZones: %v", err)
	}
	return e
}

func TestLoadRejectsBadCalibration(t *testing.T) {
	z := testZone()
	// A scaled matrix is not orthonormal.
	z.Calibration.Affine = [16]float64{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 1,
	}
	cfg := config.DefaultConfig()
	e := NewEngine(cfg.Handoff, geo.NewProjection(testLat, testLon, 0), slog.Default())
	if err := e.LoadZones([]model.TransitionZone{z}); err == nil {
		t.Fatal("scaled calibration accepted")
	}
}

func TestZoneLookup(t *testing.T) {
	e := testEngine(t, testZone())

	if z := e.ZoneAt(model.Position{X: 10, Y: 10}); z == nil {
		t.Error("position inside radius not matched")
	}
	if z := e.ZoneAt(model.Position{X: 100, Y: 100}); z != nil {
		t.Errorf("position far outside matched zone %s", z.ID)
	}
	if z := e.ZoneAtGeo(model.GeoPosition{Lat: testLat, Lon: testLon}); z == nil {
		t.Error("outdoor anchor itself not matched")
	}
}

func TestIndoorToOutdoorSwitchHold(t *testing.T) {
	e := testEngine(t, testZone())
	st := NewUserState(model.FrameIndoor)
	now := time.Now()

	obs := Observation{
		Pos:         model.Position{X: 5, Y: 5},
		HasGPS:      true,
		GPSAccuracy: 5,
		HasIndoor:   true,
		IndoorConf:  0.2, // below the 0.4 exit threshold but present
	}
	// Indoor confidence 0.2 < zone.IndoorMinConfidence 0.5, so both-valid
	// fusion does not trigger; this is the plain indoor->outdoor path.
	if d := e.Evaluate(st, now, obs); d != DecisionStay {
		t.Fatalf("first evaluation = %s, want stay (hold started)", d)
	}
	if d := e.Evaluate(st, now.Add(time.Second), obs); d != DecisionStay {
		t.Fatalf("1 s in = %s, want stay", d)
	}
	d := e.Evaluate(st, now.Add(3100*time.Millisecond), obs)
	if d != DecisionSwitchOutdoor {
		t.Fatalf("after hold = %s, want switch_outdoor", d)
	}
	if st.Frame != model.FrameOutdoor {
		t.Errorf("frame = %s, want outdoor", st.Frame)
	}

	// No repeated switch events.
	if d := e.Evaluate(st, now.Add(4*time.Second), obs); d != DecisionStay {
		t.Errorf("post-switch = %s, want stay", d)
	}
}

func TestHoldInterruptedResets(t *testing.T) {
	e := testEngine(t, testZone())
	st := NewUserState(model.FrameIndoor)
	now := time.Now()

	good := Observation{Pos: model.Position{X: 5, Y: 5}, HasGPS: true, GPSAccuracy: 5, HasIndoor: true, IndoorConf: 0.2}
	bad := Observation{Pos: model.Position{X: 5, Y: 5}, HasGPS: true, GPSAccuracy: 15, HasIndoor: true, IndoorConf: 0.2}

	e.Evaluate(st, now, good)
	e.Evaluate(st, now.Add(2*time.Second), bad) // GPS degrades, hold resets
	d := e.Evaluate(st, now.Add(4*time.Second), good)
	if d != DecisionStay {
		t.Fatalf("interrupted hold still switched: %s", d)
	}
	if st.Frame != model.FrameIndoor {
		t.Errorf("frame = %s, want indoor", st.Frame)
	}
}

func TestTransitionFusionAndCommit(t *testing.T) {
	e := testEngine(t, testZone())
	st := NewUserState(model.FrameIndoor)
	now := time.Now()

	both := Observation{
		Pos:         model.Position{X: 5, Y: 5},
		HasGPS:      true,
		GPSAccuracy: 5,
		HasIndoor:   true,
		IndoorConf:  0.9,
	}
	if d := e.Evaluate(st, now, both); d != DecisionEnterTransition {
		t.Fatalf("both-valid = %s, want enter_transition", d)
	}
	if st.Frame != model.FrameTransition {
		t.Errorf("frame = %s, want transition", st.Frame)
	}

	// Still fusing inside the timeout window.
	if d := e.Evaluate(st, now.Add(10*time.Second), both); d != DecisionStay {
		t.Fatalf("mid-transition = %s, want stay", d)
	}

	// After the 30 s timeout the higher-confidence frame is committed;
	// indoor at 0.9 wins, which is the pre-transition frame.
	d := e.Evaluate(st, now.Add(31*time.Second), both)
	if d != DecisionExitTransition {
		t.Fatalf("post-timeout = %s, want exit_transition", d)
	}
	if st.Frame != model.FrameIndoor {
		t.Errorf("frame = %s, want indoor", st.Frame)
	}
}

func TestTransitionCommitsToSurvivor(t *testing.T) {
	e := testEngine(t, testZone())
	st := NewUserState(model.FrameIndoor)
	now := time.Now()

	both := Observation{Pos: model.Position{X: 5, Y: 5}, HasGPS: true, GPSAccuracy: 5, HasIndoor: true, IndoorConf: 0.9}
	if d := e.Evaluate(st, now, both); d != DecisionEnterTransition {
		t.Fatalf("setup: %s", d)
	}

	// Indoor track dies: commit to GPS.
	gpsOnly := Observation{Pos: model.Position{X: 5, Y: 5}, HasGPS: true, GPSAccuracy: 5}
	d := e.Evaluate(st, now.Add(2*time.Second), gpsOnly)
	if d != DecisionSwitchOutdoor {
		t.Fatalf("survivor commit = %s, want switch_outdoor", d)
	}
}

func TestToLocalAppliesZoneCalibration(t *testing.T) {
	z := testZone()
	// Pure translation: +5 m east, +2 m north.
	z.Calibration.Affine = [16]float64{
		1, 0, 0, 5,
		0, 1, 0, 2,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	e := testEngine(t, z)

	got := e.ToLocal(model.GeoPosition{Lat: testLat, Lon: testLon})
	if math.Abs(got.X-5) > 0.01 || math.Abs(got.Y-2) > 0.01 {
		t.Errorf("corrected position (%.2f, %.2f), want (5, 2)", got.X, got.Y)
	}

	// Outside every zone the raw projection applies.
	far := e.ToLocal(model.GeoPosition{Lat: testLat + 0.01, Lon: testLon})
	if math.Abs(far.Y-1111.9) > 5 {
		t.Errorf("raw projection Y = %.1f, want ~1112 (0.01 deg lat)", far.Y)
	}
}

func TestRecalibrate(t *testing.T) {
	e := testEngine(t, testZone())
	proj := geo.NewProjection(testLat, testLon, 0)

	// Ground truth: indoor = raw GPS rotated 30 deg and shifted (4, -3).
	theta := 30 * math.Pi / 180
	var pairs []CalibrationPair
	raws := []model.Position{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}, {X: 7, Y: 7}}
	for _, r := range raws {
		g := proj.ToGeo(r)
		pairs = append(pairs, CalibrationPair{
			Indoor: model.Position{
				X: math.Cos(theta)*r.X - math.Sin(theta)*r.Y + 4,
				Y: math.Sin(theta)*r.X + math.Cos(theta)*r.Y - 3,
			},
			Geo: g,
		})
	}

	cal, err := e.Recalibrate("tz-main", pairs)
	if err != nil {
		t.Fatalf("Recalibrate: %v", err)
	}
	if math.Abs(cal.Rotation-30) > 0.1 {
		t.Errorf("rotation = %.2f deg, want 30", cal.Rotation)
	}
	if math.Abs(cal.Offset[0]-4) > 0.05 || math.Abs(cal.Offset[1]+3) > 0.05 {
		t.Errorf("offset = (%.2f, %.2f), want (4, -3)", cal.Offset[0], cal.Offset[1])
	}

	// The swap is visible through the registry.
	z, _ := e.Zone("tz-main")
	if z.Calibration.CalibratedAt.IsZero() {
		t.Error("zone still carries the old calibration")
	}

	if _, err := e.Recalibrate("nope", pairs); err == nil {
		t.Error("recalibrating an unknown zone succeeded")
	}
	if _, err := e.Recalibrate("tz-main", pairs[:1]); err == nil {
		t.Error("single-pair recalibration succeeded")
	}
}
