// Package fusion maintains a per-user filtered pose from heterogeneous
// sensor samples: an 8-state constant-velocity Kalman filter fed by SLAM,
// BLE trilateration, CV anchors and GPS, with per-sensor gating.
package fusion

import (
	"log/slog"
	"math"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

const trackerComponent = "fusion"

// State is the filter lifecycle state for one user.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateTracking      State = "tracking"
	StateDegraded      State = "degraded"
	StateLost          State = "lost"
)

// degradedRejectStreak is the number of consecutive fully-rejected
// batches after which the filter is considered degraded.
const degradedRejectStreak = 3

// Converter resolves geodetic samples into the local frame. Implemented
// by geo.Projection directly and by the handoff engine with per-zone
// corrections applied.
type Converter interface {
	ToLocal(model.GeoPosition) model.Position
}

// BeaconResolver looks up known beacon positions from the facility map.
type BeaconResolver interface {
	BeaconPosition(id string) (model.Position, bool)
}

// measurement is one gated, frame-converted observation.
type measurement struct {
	source model.SensorSource
	pos    model.Position
	noise  float64 // meters, 1-sigma, confidence-scaled
	base   float64 // sensor base accuracy, for the reported accuracy
	weight float64
}

// Result is the outcome of one ingest batch.
type Result struct {
	// Pose is nil when the batch updated the filter but emission was
	// rate-capped or nothing was usable.
	Pose *model.Pose
	// Reset is set when the filter diverged and was re-seeded.
	Reset bool
	// Rejected counts samples dropped by gating in this batch.
	Rejected int
}

// Filter is the fusion state for one user. It is owned by the user's
// session actor and is not safe for concurrent use.
type Filter struct {
	cfg     *config.FusionConfig
	userID  string
	conv    Converter
	beacons BeaconResolver
	trk     *tracker.Tracker
	logger  *slog.Logger

	state        State
	frame        model.Frame
	kf           *kalman
	lastSampleAt time.Time
	lastEmitAt   time.Time
	rejectStreak int
	ring         *poseRing
}

// NewFilter creates an uninitialized filter for one user.
func NewFilter(userID string, cfg *config.FusionConfig, conv Converter, beacons BeaconResolver, trk *tracker.Tracker, logger *slog.Logger) *Filter {
	return &Filter{
		cfg:     cfg,
		userID:  userID,
		conv:    conv,
		beacons: beacons,
		trk:     trk,
		logger:  logger.With("component", "fusion", "user", userID),
		state:   StateUninitialized,
		frame:   model.FrameIndoor,
		ring:    newPoseRing(cfg.RingSize),
	}
}

// State returns the current lifecycle state.
func (f *Filter) State() State { return f.state }

// Frame returns the filter's current reference frame.
func (f *Filter) Frame() model.Frame { return f.frame }

// SetFrame is called by the handoff engine on a frame switch.
func (f *Filter) SetFrame(frame model.Frame) { f.frame = frame }

// LastPose returns the most recently emitted pose, or nil.
func (f *Filter) LastPose() *model.Pose { return f.ring.last() }

// RecentPoses returns up to n emitted poses, newest first.
func (f *Filter) RecentPoses(n int) []model.Pose { return f.ring.recent(n) }

// LastSampleAt returns the arrival time of the last accepted sample.
func (f *Filter) LastSampleAt() time.Time { return f.lastSampleAt }

// Ingest folds a batch of sensor samples into the filter and returns the
// fused pose when one is due. inTransitionZone relaxes the GPS accuracy
// gate per the handoff contract.
func (f *Filter) Ingest(now time.Time, samples []model.SensorSample, inTransitionZone bool) (Result, error) {
	start := time.Now()
	defer func() { f.trk.TrackLatency(trackerComponent, time.Since(start)) }()

	meas, rejected := f.gate(now, samples, inTransitionZone)
	res := Result{Rejected: rejected}

	if len(meas) == 0 {
		f.rejectStreak++
		if f.rejectStreak >= degradedRejectStreak && f.state == StateTracking {
			f.state = StateDegraded
			f.logger.Debug("degraded after rejected batches", "streak", f.rejectStreak)
		}
		if f.kf == nil {
			return res, model.ErrLowConfidence("no usable sample in batch")
		}
		return res, nil
	}
	f.rejectStreak = 0

	if f.kf == nil {
		best := bestMeasurement(meas)
		f.kf = newKalman(best.pos.X, best.pos.Y, best.pos.Z, best.noise)
		f.state = StateTracking
		f.lastSampleAt = now
		f.logger.Debug("filter initialized", "source", best.source)
	} else {
		dt := now.Sub(f.lastSampleAt).Seconds()
		// A long silence makes the constant-velocity extrapolation
		// meaningless; cap the predicted interval at the gap limit.
		if maxGap := f.cfg.MaxInterSampleGap.Std().Seconds(); dt > maxGap {
			dt = maxGap
		}
		f.kf.predict(dt)

		kept := meas[:0]
		for _, m := range meas {
			if f.isOutlier(m, now) {
				f.trk.TrackDropped(trackerComponent)
				res.Rejected++
				continue
			}
			kept = append(kept, m)
		}
		meas = kept
		if len(meas) == 0 {
			return res, nil
		}
		f.lastSampleAt = now
		f.state = StateTracking
	}

	// Divergence is judged on the predicted state: once the covariance
	// blows up, measurements re-seed the filter instead of correcting it.
	if f.kf.trace() > f.cfg.DivergenceTrace {
		best := bestMeasurement(meas)
		f.kf.reset(best.pos.X, best.pos.Y, best.pos.Z, best.noise)
		res.Reset = true
		f.logger.Warn("filter diverged, reset from measurement", "source", best.source)
	} else {
		for _, m := range meas {
			f.kf.updatePosition(m.pos.X, m.pos.Y, m.pos.Z, m.noise)
		}
	}
	f.trk.TrackAccepted(trackerComponent)

	// Emission is capped; the filter still absorbed the batch.
	minPeriod := time.Duration(float64(time.Second) / f.cfg.EmitRateCap)
	if !f.lastEmitAt.IsZero() && now.Sub(f.lastEmitAt) < minPeriod {
		return res, nil
	}
	f.lastEmitAt = now

	pose := f.buildPose(now, meas, inTransitionZone)
	f.ring.push(pose)
	res.Pose = &pose
	return res, nil
}

// Tick advances time-based state transitions; called periodically by the
// owning session. Returns the state and whether this call entered Lost.
func (f *Filter) Tick(now time.Time) (State, bool) {
	if f.state == StateUninitialized || f.state == StateLost || f.lastSampleAt.IsZero() {
		return f.state, false
	}
	gap := now.Sub(f.lastSampleAt)
	switch {
	case gap > f.cfg.LostTimeout.Std():
		f.state = StateLost
		f.logger.Info("pose lost", "silence", gap)
		return f.state, true
	case gap > f.cfg.MaxInterSampleGap.Std():
		f.state = StateDegraded
	}
	return f.state, false
}

func (f *Filter) gate(now time.Time, samples []model.SensorSample, inTransitionZone bool) ([]measurement, int) {
	var meas []measurement
	rejected := 0
	reject := func() {
		rejected++
		f.trk.TrackRejected(trackerComponent)
	}

	for _, s := range samples {
		conf := s.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.5
		}

		switch s.Source {
		case model.SourceSLAM:
			if s.Local == nil {
				reject()
				continue
			}
			if s.Confidence < 0.1 {
				reject()
				continue
			}
			meas = append(meas, measurement{
				source: model.SourceSLAM,
				pos:    *s.Local,
				noise:  f.cfg.SlamNoise / conf,
				base:   f.cfg.SlamNoise,
			})

		case model.SourceCV:
			if s.Local == nil {
				reject()
				continue
			}
			age := now.Sub(time.Unix(0, s.TimestampNs))
			if age > f.cfg.CvMaxAge.Std() {
				reject()
				continue
			}
			meas = append(meas, measurement{
				source: model.SourceCV,
				pos:    *s.Local,
				noise:  f.cfg.CvNoise / conf,
				base:   f.cfg.CvNoise,
			})

		case model.SourceBLE:
			readings := f.usableBeacons(s.Beacons)
			if len(readings) == 0 {
				reject()
				continue
			}
			est, ok := trilaterate(readings, f.cfg)
			if !ok {
				reject()
				continue
			}
			meas = append(meas, measurement{
				source: model.SourceBLE,
				pos:    est.pos,
				noise:  f.cfg.BleNoise/conf + est.spread,
				base:   f.cfg.BleNoise,
			})

		case model.SourceGPS:
			if s.Geo == nil {
				reject()
				continue
			}
			acc := s.Geo.Accuracy
			if acc == 0 {
				acc = s.Accuracy
			}
			if acc > f.cfg.MaxGpsAccuracy && !inTransitionZone {
				reject()
				continue
			}
			pos := f.conv.ToLocal(*s.Geo)
			meas = append(meas, measurement{
				source: model.SourceGPS,
				pos:    pos,
				noise:  f.cfg.GpsNoise / conf,
				base:   f.cfg.GpsNoise,
			})

		case model.SourceIMU:
			// IMU deltas are folded into the device-side SLAM track; a
			// bare IMU sample carries no absolute fix.
			reject()

		default:
			reject()
		}
	}
	return meas, rejected
}

func (f *Filter) usableBeacons(readings []model.BeaconReading) []model.BeaconReading {
	var out []model.BeaconReading
	for _, r := range readings {
		if r.RSSI != 0 && r.RSSI < f.cfg.BleMinRSSI {
			continue
		}
		if r.Distance < 0 || r.Distance > f.cfg.BleMaxRange {
			continue
		}
		if r.Position == nil && f.beacons != nil {
			if pos, ok := f.beacons.BeaconPosition(r.BeaconID); ok {
				r.Position = &pos
			}
		}
		if r.Position == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// isOutlier rejects a measurement whose implied velocity from the current
// estimate exceeds the physical clamp.
func (f *Filter) isOutlier(m measurement, now time.Time) bool {
	dt := now.Sub(f.lastSampleAt).Seconds()
	if dt <= 0 {
		return false
	}
	x, y, z := f.kf.position()
	d := geo.LocalDistance3D(model.Position{X: x, Y: y, Z: z}, m.pos)
	return d/dt > f.cfg.MaxVelocity
}

func (f *Filter) buildPose(now time.Time, meas []measurement, inTransitionZone bool) model.Pose {
	x, y, z := f.kf.position()
	vel := f.kf.velocity()
	tr := f.kf.trace()

	conf := 1 / (1 + tr)
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 1 {
		conf = 1
	}

	// Source weights from inverse observation variance, normalized.
	weights := map[model.SensorSource]float64{}
	var wsum float64
	for _, m := range meas {
		w := 1 / (m.noise * m.noise)
		weights[m.source] += w
		wsum += w
	}
	var accuracy float64
	for _, m := range meas {
		w := 1 / (m.noise * m.noise)
		accuracy += (w / wsum) * m.base
	}
	accuracy /= math.Sqrt(float64(len(meas)))
	for s := range weights {
		weights[s] /= wsum
	}

	heading := f.kf.x.AtVec(3)
	speed := math.Hypot(vel[0], vel[1])
	if speed > 0.3 {
		heading = math.Mod(math.Atan2(vel[0], vel[1])*180/math.Pi+360, 360)
		f.kf.x.SetVec(3, heading)
	} else if prev := f.ring.last(); prev != nil {
		heading = prev.Heading
	}

	frame := f.frame
	if inTransitionZone {
		frame = model.FrameTransition
	}

	// Floor from the most trusted measurement; the filter itself tracks
	// continuous z only.
	floor := bestMeasurement(meas).pos.Floor

	return model.Pose{
		UserID: f.userID,
		Position: model.Position{
			X: x, Y: y, Z: z,
			Floor:       floor,
			TimestampNs: now.UnixNano(),
			Accuracy:    accuracy,
		},
		Covariance:    f.kf.covariance4(),
		Velocity:      vel,
		Heading:       heading,
		SourceWeights: weights,
		Confidence:    conf,
		Frame:         frame,
		Strategy:      selectStrategy(meas, inTransitionZone),
	}
}

func bestMeasurement(meas []measurement) measurement {
	best := meas[0]
	for _, m := range meas[1:] {
		if m.noise < best.noise {
			best = m
		}
	}
	return best
}

// selectStrategy names the sensor combination by a fixed priority table.
func selectStrategy(meas []measurement, inTransitionZone bool) model.FusionStrategy {
	have := map[model.SensorSource]bool{}
	for _, m := range meas {
		have[m.source] = true
	}

	indoor := have[model.SourceSLAM] || have[model.SourceBLE] || have[model.SourceCV]
	if inTransitionZone && have[model.SourceGPS] && indoor {
		return model.StrategyFusedHandoff
	}
	switch {
	case have[model.SourceSLAM] && have[model.SourceBLE] && have[model.SourceCV]:
		return model.StrategySlamBleCv
	case have[model.SourceSLAM] && have[model.SourceBLE]:
		return model.StrategySlamBle
	case have[model.SourceSLAM]:
		return model.StrategySlamOnly
	case have[model.SourceBLE]:
		return model.StrategyBleOnly
	case have[model.SourceCV]:
		return model.StrategyCvAnchor
	default:
		return model.StrategyGpsOnly
	}
}
