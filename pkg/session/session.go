// Package session owns all per-user state: one actor goroutine per user
// holds the fusion filter, frame arbitration, geofence memory and the
// active route session, and the event bus fans results out to
// subscribers.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/fusion"
	"wayfind/pkg/graph"
	"wayfind/pkg/handoff"
	"wayfind/pkg/hazard"
	"wayfind/pkg/model"
	"wayfind/pkg/route"
	"wayfind/pkg/tracker"
)

const trackerComponent = "session"

// Deps bundles the component handles every session shares.
type Deps struct {
	Cfg     *config.Config
	Bus     *Bus
	Planner *route.Planner
	Hazard  *hazard.Engine
	Handoff *handoff.Engine
	Graphs  *graph.Store
	Beacons fusion.BeaconResolver
	Trk     *tracker.Tracker
	Logger  *slog.Logger
}

type message any

type ingestReply struct {
	pose *model.Pose
	err  error
}

type ingestMsg struct {
	samples []model.SensorSample
	reply   chan ingestReply
}

type planReply struct {
	route *model.Route
	err   error
}

type planMsg struct {
	ctx   context.Context
	dest  model.Position
	opts  model.RouteOptions
	reply chan planReply
}

type cancelRouteMsg struct {
	reply chan error
}

type activeRouteMsg struct {
	reply chan *model.Route
}

type invalidateMsg struct {
	edgeIDs []string
	reason  string
}

type replanResultMsg struct {
	generation int
	route      *model.Route
	err        error
}

type stopMsg struct {
	done chan struct{}
}

// Session is the actor owning one user's state. All fields below deps
// are touched only from run().
type Session struct {
	userID  string
	deps    *Deps
	mailbox chan message

	filter       *fusion.Filter
	frameState   *handoff.UserState
	geofence     *hazard.UserState
	routeSession *RouteSession

	// replanGen invalidates superseded in-flight re-plans.
	replanGen    int
	replanCancel context.CancelFunc

	// stopped is closed when the actor exits, releasing any goroutine
	// still trying to post a result into the mailbox.
	stopped chan struct{}

	// lastActive is read by the idle reaper from outside the actor.
	lastActive atomic.Int64 // unix nanos
}

func newSession(userID string, deps *Deps) *Session {
	s := &Session{
		userID:     userID,
		deps:       deps,
		mailbox:    make(chan message, deps.Cfg.Session.MailboxSize),
		stopped:    make(chan struct{}),
		frameState: handoff.NewUserState(model.FrameIndoor),
		geofence:   hazard.NewUserState(),
	}
	s.lastActive.Store(time.Now().UnixNano())
	s.filter = fusion.NewFilter(userID, &deps.Cfg.Fusion, deps.Handoff, deps.Beacons, deps.Trk, deps.Logger)
	go s.run()
	return s
}

// send delivers a message to the actor, honoring the caller's context.
func (s *Session) send(ctx context.Context, m message) error {
	select {
	case s.mailbox <- m:
		return nil
	case <-ctx.Done():
		return model.ErrRouteCancelled("request cancelled before delivery")
	}
}

func (s *Session) run() {
	logger := s.deps.Logger.With("component", "session", "user", s.userID)
	tick := time.NewTicker(s.deps.Cfg.Scheduler.TickInterval.Std())
	defer tick.Stop()

	for {
		// A panic in one user's pipeline must not take the server down;
		// the actor restarts its loop and the poison message is gone.
		stopped := func() (stopped bool) {
			defer func() {
				if r := recover(); r != nil {
					s.deps.Trk.TrackError(trackerComponent)
					logger.Error("session panic recovered", "panic", r)
				}
			}()
			select {
			case m := <-s.mailbox:
				return s.handle(m)
			case now := <-tick.C:
				s.onTick(now)
				return false
			}
		}()
		if stopped {
			return
		}
	}
}

// LastActive returns the time of the last externally driven message.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) handle(m message) bool {
	s.lastActive.Store(time.Now().UnixNano())
	switch msg := m.(type) {
	case ingestMsg:
		pose, err := s.onIngest(msg.samples)
		msg.reply <- ingestReply{pose: pose, err: err}
	case planMsg:
		s.onPlan(msg)
	case cancelRouteMsg:
		msg.reply <- s.onCancelRoute()
	case activeRouteMsg:
		if s.routeSession != nil && s.routeSession.Status() != model.RouteCancelled {
			msg.reply <- s.routeSession.Route()
		} else {
			msg.reply <- nil
		}
	case invalidateMsg:
		s.onInvalidate(msg)
	case replanResultMsg:
		s.onReplanResult(msg)
	case stopMsg:
		s.stopReplan()
		close(s.stopped)
		close(msg.done)
		return true
	}
	return false
}

// onIngest runs the full pipeline for one sample batch: frame
// arbitration, fusion, geofencing, route progress.
func (s *Session) onIngest(samples []model.SensorSample) (*model.Pose, error) {
	now := time.Now()

	obs := s.observe(samples)
	prevFrame := s.frameState.Frame
	decision := s.deps.Handoff.Evaluate(s.frameState, now, obs)
	if decision != handoff.DecisionStay {
		s.filter.SetFrame(s.frameState.Frame)
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicTransition,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload: model.TransitionPayload{
				Kind:   model.EventFrameSwitch,
				From:   prevFrame,
				To:     s.frameState.Frame,
				ZoneID: s.frameState.ZoneID,
			},
		})
	}

	inTransition := s.frameState.ZoneID != ""
	res, err := s.filter.Ingest(now, samples, inTransition)
	if err != nil {
		return nil, err
	}
	if res.Reset {
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicPose,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload:     model.PoseLostPayload{Kind: model.EventPoseReset},
		})
	}
	if res.Pose == nil {
		return nil, nil
	}
	pose := res.Pose

	// Pose first, derived events after.
	s.deps.Bus.Publish(model.Event{
		Topic:       model.TopicPose,
		UserID:      s.userID,
		TimestampMs: now.UnixMilli(),
		Payload:     model.PosePayload{Kind: model.EventPose, Pose: pose},
	})

	for _, alert := range s.deps.Hazard.Evaluate(s.geofence, pose, now) {
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicHazardAlert,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload: model.HazardAlertPayload{
				Kind:     alertEventKind(alert.Kind),
				ZoneID:   alert.ZoneID,
				ZoneName: alert.ZoneName,
				Severity: alert.Severity,
				Distance: alert.Distance,
			},
		})
	}

	s.progressRoute(pose, now)
	return pose, nil
}

// observe summarizes a batch for the frame arbiter before fusion runs.
func (s *Session) observe(samples []model.SensorSample) handoff.Observation {
	var obs handoff.Observation
	if last := s.filter.LastPose(); last != nil {
		obs.Pos = last.Position
	}
	for _, smp := range samples {
		switch smp.Source {
		case model.SourceSLAM, model.SourceBLE, model.SourceCV:
			obs.HasIndoor = true
			if smp.Confidence > obs.IndoorConf {
				obs.IndoorConf = smp.Confidence
			}
			if smp.Local != nil {
				obs.Pos = *smp.Local
			}
		case model.SourceGPS:
			if smp.Geo == nil {
				continue
			}
			acc := smp.Geo.Accuracy
			if acc == 0 {
				acc = smp.Accuracy
			}
			if !obs.HasGPS || acc < obs.GPSAccuracy {
				obs.GPSAccuracy = acc
			}
			obs.HasGPS = true
			if !obs.HasIndoor {
				obs.Pos = s.deps.Handoff.ToLocal(*smp.Geo)
			}
		}
	}
	return obs
}

func (s *Session) progressRoute(pose *model.Pose, now time.Time) {
	if s.routeSession == nil || s.routeSession.Status() == model.RouteCancelled {
		return
	}
	snap := s.deps.Graphs.Snapshot()
	prevIdx := s.routeSession.ProgressIndex()

	switch s.routeSession.OnPose(snap, pose, now) {
	case actionCompleted:
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicRoute,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload:     model.RoutePayload{Kind: model.EventRouteCompleted, Route: s.routeSession.Route()},
		})
		s.routeSession = nil
	case actionReplan:
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicRoute,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload:     model.RoutePayload{Kind: model.EventRouteDeviation, Reason: "sustained deviation from route"},
		})
		s.startReplan(pose.Position)
	default:
		if idx := s.routeSession.ProgressIndex(); idx != prevIdx {
			if instr := s.routeSession.CurrentInstruction(); instr != nil {
				s.deps.Bus.Publish(model.Event{
					Topic:       model.TopicInstruction,
					UserID:      s.userID,
					TimestampMs: now.UnixMilli(),
					Payload: model.InstructionPayload{
						Kind:        model.EventInstruction,
						RouteID:     s.routeSession.Route().ID,
						Index:       idx + 1,
						Instruction: instr,
					},
				})
			}
		}
		if s.routeSession.Status() == model.RouteRecomputing && s.replanCancel == nil {
			// A previous re-plan failed; retry from this pose.
			s.startReplan(pose.Position)
		}
	}
}

func (s *Session) onPlan(msg planMsg) {
	last := s.filter.LastPose()
	if last == nil {
		msg.reply <- planReply{err: model.ErrPoseLost("no known position for user %s", s.userID)}
		return
	}
	s.stopReplan()

	// Planning runs outside the actor so a slow search does not stall
	// pose ingestion; the result is installed back via the mailbox.
	from := last.Position
	gen := s.nextReplanGen()
	ctx, cancel := context.WithCancel(msg.ctx)
	s.replanCancel = cancel

	go func() {
		r, err := s.deps.Planner.PlanRoute(ctx, s.userID, from, msg.dest, msg.opts)
		msg.reply <- planReply{route: r, err: err}
		// The route already went back to the caller, so installing it
		// must not be lossy: block until the actor drains the mailbox.
		select {
		case s.mailbox <- replanResultMsg{generation: gen, route: r, err: err}:
		case <-s.stopped:
		}
	}()
}

func (s *Session) onCancelRoute() error {
	s.stopReplan()
	if s.routeSession == nil {
		return model.ErrInvalidInput("no active route")
	}
	s.routeSession.Cancel()
	s.routeSession = nil
	return nil
}

func (s *Session) onInvalidate(msg invalidateMsg) {
	if s.routeSession == nil || s.routeSession.Status() != model.RouteActive {
		return
	}
	if !s.routeSession.UsesAnyEdge(msg.edgeIDs) {
		return
	}

	// Advisory precedes the new route.
	s.deps.Bus.Publish(model.Event{
		Topic:       model.TopicRoute,
		UserID:      s.userID,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     model.RoutePayload{Kind: model.EventRouteDeviation, Reason: msg.reason},
	})
	s.routeSession.MarkRecomputing()

	from := s.routeSession.route.Edges[s.routeSession.ProgressIndex()].From
	if pose := s.filter.LastPose(); pose != nil {
		s.startReplan(pose.Position)
		return
	}
	if n, ok := s.deps.Graphs.Snapshot().Node(from); ok {
		s.startReplan(n.Position)
	}
}

// startReplan launches one asynchronous re-plan from the given position
// to the original destination, superseding any in-flight one.
func (s *Session) startReplan(from model.Position) {
	if s.routeSession == nil {
		return
	}
	s.stopReplan()
	s.routeSession.MarkRecomputing()

	destID := s.routeSession.route.Path[len(s.routeSession.route.Path)-1]
	dest, ok := s.deps.Graphs.Snapshot().Node(destID)
	if !ok {
		return
	}
	opts := s.routeSession.route.Options

	gen := s.nextReplanGen()
	ctx, cancel := context.WithCancel(context.Background())
	s.replanCancel = cancel

	go func() {
		r, err := s.deps.Planner.PlanRoute(ctx, s.userID, from, dest.Position, opts)
		select {
		case s.mailbox <- replanResultMsg{generation: gen, route: r, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) onReplanResult(msg replanResultMsg) {
	if msg.generation != s.replanGen {
		return // superseded
	}
	s.replanCancel = nil

	now := time.Now()
	if msg.err != nil {
		if s.routeSession == nil {
			return
		}
		s.routeSession.MarkStale()
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicRoute,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload: model.RoutePayload{
				Kind:   model.EventRouteUnavailable,
				Route:  s.routeSession.Route(),
				Reason: model.CodeOf(msg.err),
			},
		})
		return
	}

	if s.routeSession == nil {
		s.routeSession = NewRouteSession(msg.route, s.deps.Cfg.Session)
	} else {
		s.routeSession.Replace(msg.route)
	}
	s.deps.Bus.Publish(model.Event{
		Topic:       model.TopicRoute,
		UserID:      s.userID,
		TimestampMs: now.UnixMilli(),
		Payload:     model.RoutePayload{Kind: model.EventRouteUpdated, Route: msg.route},
	})
}

func (s *Session) onTick(now time.Time) {
	state, lost := s.filter.Tick(now)
	if lost {
		last := s.filter.LastPose()
		conf := 0.0
		if last != nil {
			conf = last.Confidence
		}
		s.deps.Bus.Publish(model.Event{
			Topic:       model.TopicPose,
			UserID:      s.userID,
			TimestampMs: now.UnixMilli(),
			Payload:     model.PoseLostPayload{Kind: model.EventPoseLost, LastConfidence: conf},
		})
	}
	_ = state
	s.geofence.GCCooldowns(now)
}

func (s *Session) nextReplanGen() int {
	s.replanGen++
	return s.replanGen
}

func (s *Session) stopReplan() {
	if s.replanCancel != nil {
		s.replanCancel()
		s.replanCancel = nil
	}
}

func alertEventKind(k hazard.AlertKind) string {
	switch k {
	case hazard.AlertEntered:
		return model.EventZoneEntered
	case hazard.AlertExited:
		return model.EventZoneExited
	default:
		return model.EventZoneApproaching
	}
}
