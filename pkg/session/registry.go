package session

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"wayfind/pkg/model"
)

// Registry owns the session map. Sessions are created lazily on the
// first position update and reaped after IdleTTL without traffic.
type Registry struct {
	deps     *Deps
	sessions *xsync.Map[string, *Session]
}

// NewRegistry creates an empty registry.
func NewRegistry(deps *Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: xsync.NewMap[string, *Session](),
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int { return r.sessions.Size() }

func (r *Registry) getOrCreate(userID string) *Session {
	s, _ := r.sessions.Compute(userID, func(cur *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded {
			return cur, xsync.CancelOp
		}
		return newSession(userID, r.deps), xsync.UpdateOp
	})
	return s
}

// Ingest feeds one sample batch through the user's pipeline and returns
// the fused pose, nil when none was emitted this batch.
func (r *Registry) Ingest(ctx context.Context, userID string, samples []model.SensorSample) (*model.Pose, error) {
	if userID == "" {
		return nil, model.ErrInvalidInput("missing user id")
	}
	if len(samples) == 0 {
		return nil, model.ErrInvalidInput("empty sample batch")
	}
	s := r.getOrCreate(userID)

	reply := make(chan ingestReply, 1)
	if err := s.send(ctx, ingestMsg{samples: samples, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rep := <-reply:
		return rep.pose, rep.err
	case <-ctx.Done():
		return nil, model.ErrRouteCancelled("request cancelled")
	}
}

// PlanRoute plans from the user's current pose to dest and activates the
// result as the user's route session.
func (r *Registry) PlanRoute(ctx context.Context, userID string, dest model.Position, opts model.RouteOptions) (*model.Route, error) {
	s, ok := r.sessions.Load(userID)
	if !ok {
		return nil, model.ErrPoseLost("no session for user %s", userID)
	}

	reply := make(chan planReply, 1)
	if err := s.send(ctx, planMsg{ctx: ctx, dest: dest, opts: opts, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case rep := <-reply:
		return rep.route, rep.err
	case <-ctx.Done():
		return nil, model.ErrRouteCancelled("request cancelled")
	}
}

// CancelRoute ends the user's active route session.
func (r *Registry) CancelRoute(ctx context.Context, userID string) error {
	s, ok := r.sessions.Load(userID)
	if !ok {
		return model.ErrInvalidInput("no session for user %s", userID)
	}
	reply := make(chan error, 1)
	if err := s.send(ctx, cancelRouteMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return model.ErrRouteCancelled("request cancelled")
	}
}

// ActiveRoute returns the user's current route, nil when none.
func (r *Registry) ActiveRoute(ctx context.Context, userID string) (*model.Route, error) {
	s, ok := r.sessions.Load(userID)
	if !ok {
		return nil, nil
	}
	reply := make(chan *model.Route, 1)
	if err := s.send(ctx, activeRouteMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case route := <-reply:
		return route, nil
	case <-ctx.Done():
		return nil, model.ErrRouteCancelled("request cancelled")
	}
}

// EdgesInvalidated fans a graph change out to every session so routes
// touching the edges re-plan. Delivery is best effort; a session with a
// full mailbox catches up on its next pose anyway.
func (r *Registry) EdgesInvalidated(edgeIDs []string, reason string) {
	if len(edgeIDs) == 0 {
		return
	}
	msg := invalidateMsg{edgeIDs: edgeIDs, reason: reason}
	r.sessions.Range(func(_ string, s *Session) bool {
		select {
		case s.mailbox <- msg:
		default:
			r.deps.Trk.TrackDropped(trackerComponent)
		}
		return true
	})
}

// ReapIdle stops and removes sessions idle longer than IdleTTL. Returns
// the number reaped.
func (r *Registry) ReapIdle(now time.Time) int {
	ttl := r.deps.Cfg.Session.IdleTTL.Std()
	reaped := 0
	r.sessions.Range(func(userID string, s *Session) bool {
		if now.Sub(s.LastActive()) < ttl {
			return true
		}
		r.sessions.Delete(userID)
		r.stop(s)
		reaped++
		return true
	})
	if reaped > 0 {
		r.deps.Logger.Info("idle sessions reaped", "count", reaped)
	}
	return reaped
}

// Shutdown stops every session and waits for the actors to exit.
func (r *Registry) Shutdown() {
	r.sessions.Range(func(userID string, s *Session) bool {
		r.sessions.Delete(userID)
		r.stop(s)
		return true
	})
}

func (r *Registry) stop(s *Session) {
	done := make(chan struct{})
	select {
	case s.mailbox <- stopMsg{done: done}:
		<-done
	case <-time.After(time.Second):
		// Actor wedged on a full mailbox; abandon it.
		r.deps.Trk.TrackError(trackerComponent)
	}
}
