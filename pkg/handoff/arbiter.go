package handoff

import (
	"time"

	"wayfind/pkg/model"
)

// UserState tracks one user's frame and switch-hold timers. Owned by the
// user's session actor; not safe for concurrent use.
type UserState struct {
	Frame model.Frame
	// ZoneID of the transition zone the user is currently inside, if any.
	ZoneID string

	holdTarget model.Frame
	holdSince  time.Time
	// transitionSince is set while both frames are fused; prevFrame is
	// the frame held before entering the transition.
	transitionSince time.Time
	prevFrame       model.Frame
}

// NewUserState starts a user in the given frame.
func NewUserState(frame model.Frame) *UserState {
	return &UserState{Frame: frame}
}

// Observation is the per-evaluation sensor quality summary.
type Observation struct {
	Pos model.Position
	// IndoorConf is the best SLAM/BLE confidence in the batch, 0 if none.
	IndoorConf float64
	HasIndoor  bool
	// GPSAccuracy in meters; valid only when HasGPS.
	GPSAccuracy float64
	HasGPS      bool
}

// Evaluate runs the switch policy for one pose and updates the user
// state. Exactly one non-stay decision is returned per actual change, so
// the caller can emit each transition event once.
func (e *Engine) Evaluate(st *UserState, now time.Time, obs Observation) Decision {
	zone := e.ZoneAt(obs.Pos)
	if zone == nil {
		st.ZoneID = ""
		st.holdTarget = ""
		if !st.transitionSince.IsZero() {
			// Walked out of the zone while fusing; commit to the frame
			// whose evidence is present.
			st.transitionSince = time.Time{}
			return e.commitFrame(st, obs)
		}
		return DecisionStay
	}
	st.ZoneID = zone.ID

	gpsGood := obs.HasGPS && obs.GPSAccuracy <= zone.GPSMinAccuracy
	indoorGood := obs.HasIndoor && obs.IndoorConf >= zone.IndoorMinConfidence

	// Both frames valid inside a zone: fuse them for a bounded time.
	if gpsGood && indoorGood {
		if st.transitionSince.IsZero() {
			st.transitionSince = now
			st.holdTarget = ""
			st.prevFrame = st.Frame
			st.Frame = model.FrameTransition
			return DecisionEnterTransition
		}
		timeout := zone.SwitchTimeout
		if timeout == 0 {
			timeout = e.cfg.TransitionTimeout.Std()
		}
		if now.Sub(st.transitionSince) >= timeout {
			st.transitionSince = time.Time{}
			return e.commitFrame(st, obs)
		}
		return DecisionStay
	}

	// One frame dropped out mid-transition: commit to the survivor.
	if !st.transitionSince.IsZero() {
		st.transitionSince = time.Time{}
		return e.commitFrame(st, obs)
	}

	switch st.Frame {
	case model.FrameIndoor:
		// Indoor -> outdoor: solid GPS while the indoor track decays.
		if gpsGood && obs.IndoorConf < e.cfg.SlamExitConfidence {
			if d, ok := e.held(st, model.FrameOutdoor, now); ok {
				return d
			}
		} else {
			st.holdTarget = ""
		}
	case model.FrameOutdoor:
		if indoorGood {
			if d, ok := e.held(st, model.FrameIndoor, now); ok {
				return d
			}
		} else {
			st.holdTarget = ""
		}
	}
	return DecisionStay
}

// held tracks a sustained switch condition; the switch fires only after
// the hold window elapses without interruption.
func (e *Engine) held(st *UserState, target model.Frame, now time.Time) (Decision, bool) {
	if st.holdTarget != target {
		st.holdTarget = target
		st.holdSince = now
		return DecisionStay, false
	}
	if now.Sub(st.holdSince) < e.cfg.SwitchHold.Std() {
		return DecisionStay, false
	}
	st.holdTarget = ""
	st.Frame = target
	if target == model.FrameIndoor {
		return DecisionSwitchIndoor, true
	}
	return DecisionSwitchOutdoor, true
}

// commitFrame ends a transition by picking the better-evidenced frame.
// Returning to the pre-transition frame is an exit, not a switch.
func (e *Engine) commitFrame(st *UserState, obs Observation) Decision {
	indoor := obs.HasIndoor && (!obs.HasGPS || obs.IndoorConf >= e.cfg.SlamExitConfidence)
	if indoor {
		st.Frame = model.FrameIndoor
	} else {
		st.Frame = model.FrameOutdoor
	}
	st.holdTarget = ""
	if st.Frame == st.prevFrame {
		return DecisionExitTransition
	}
	if st.Frame == model.FrameIndoor {
		return DecisionSwitchIndoor
	}
	return DecisionSwitchOutdoor
}
