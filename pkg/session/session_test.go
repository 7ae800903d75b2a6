package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wayfind/pkg/config"
	"wayfind/pkg/geo"
	"wayfind/pkg/handoff"
	"wayfind/pkg/hazard"
	"wayfind/pkg/model"
	"wayfind/pkg/route"
	"wayfind/pkg/tracker"
)

func newTestRegistry(t *testing.T) (*Registry, *Deps) {
	return newTestRegistryCfg(t, nil)
}

func newTestRegistryCfg(t *testing.T, tweak func(*config.Config)) (*Registry, *Deps) {
	t.Helper()
	cfg := config.DefaultConfig()
	if tweak != nil {
		tweak(cfg)
	}
	gs := corridorStore(t)
	trk := tracker.New()
	logger := slog.Default()

	planner, err := route.NewPlanner(cfg.Route, cfg.Graph, gs, nil, trk, logger)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	t.Cleanup(planner.Close)

	deps := &Deps{
		Cfg:     cfg,
		Bus:     NewBus(cfg.Session, trk, logger),
		Planner: planner,
		Hazard:  hazard.NewEngine(cfg.Hazard, gs, nil, nil, trk, logger),
		Handoff: handoff.NewEngine(cfg.Handoff, geo.NewProjection(47.45, 8.56, 430), logger),
		Graphs:  gs,
		Trk:     trk,
		Logger:  logger,
	}
	reg := NewRegistry(deps)
	t.Cleanup(reg.Shutdown)
	return reg, deps
}

func slamBatch(x, y float64) []model.SensorSample {
	now := time.Now()
	return []model.SensorSample{{
		Source:      model.SourceSLAM,
		TimestampNs: now.UnixNano(),
		Local:       &model.Position{X: x, Y: y, TimestampNs: now.UnixNano()},
		Confidence:  0.9,
	}}
}

func eventKind(e model.Event) string {
	switch p := e.Payload.(type) {
	case model.PosePayload:
		return p.Kind
	case model.PoseLostPayload:
		return p.Kind
	case model.RoutePayload:
		return p.Kind
	case model.TransitionPayload:
		return p.Kind
	case model.HazardAlertPayload:
		return p.Kind
	case model.InstructionPayload:
		return p.Kind
	}
	return ""
}

func waitEvent(t *testing.T, sub *Subscription, kind string) model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if eventKind(e) == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func waitActiveRoute(t *testing.T, reg *Registry, userID string) *model.Route {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := reg.ActiveRoute(context.Background(), userID)
		if err != nil {
			t.Fatalf("ActiveRoute: %v", err)
		}
		if r != nil {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("route session never activated")
	return nil
}

func TestIngestCreatesSessionAndPublishesPose(t *testing.T) {
	reg, deps := newTestRegistry(t)
	sub := deps.Bus.Subscribe("u1", []model.Topic{model.TopicPose})
	defer deps.Bus.Unsubscribe(sub.ID)

	pose, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if pose == nil {
		t.Fatal("no pose from first batch")
	}
	if reg.Count() != 1 {
		t.Errorf("session count = %d, want 1", reg.Count())
	}

	e := waitEvent(t, sub, model.EventPose)
	p := e.Payload.(model.PosePayload)
	if p.Pose == nil || p.Pose.UserID != "u1" {
		t.Errorf("pose event payload = %+v", p)
	}
}

func TestIngestValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Ingest(context.Background(), "", slamBatch(1, 1)); !errors.Is(err, model.ErrInvalidInput("")) {
		t.Errorf("missing user: err = %v, want invalid_input", err)
	}
	if _, err := reg.Ingest(context.Background(), "u1", nil); !errors.Is(err, model.ErrInvalidInput("")) {
		t.Errorf("empty batch: err = %v, want invalid_input", err)
	}
	if reg.Count() != 0 {
		t.Errorf("rejected batches created %d sessions", reg.Count())
	}
}

func TestPlanWithoutSessionIsPoseLost(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.PlanRoute(context.Background(), "ghost", model.Position{X: 39, Y: 19}, model.RouteOptions{})
	if !errors.Is(err, model.ErrPoseLost("")) {
		t.Fatalf("err = %v, want pose_lost", err)
	}
	if err := reg.CancelRoute(context.Background(), "ghost"); !errors.Is(err, model.ErrInvalidInput("")) {
		t.Errorf("cancel without session: err = %v, want invalid_input", err)
	}
}

func TestPlanActivatesRouteSession(t *testing.T) {
	reg, deps := newTestRegistry(t)
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	sub := deps.Bus.Subscribe("u1", []model.Topic{model.TopicRoute})
	defer deps.Bus.Unsubscribe(sub.ID)

	r, err := reg.PlanRoute(context.Background(), "u1", model.Position{X: 39, Y: 19},
		model.RouteOptions{Criterion: model.CriterionShortest})
	if err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	if len(r.Path) == 0 || r.Path[len(r.Path)-1] != "d" {
		t.Fatalf("route path = %v, want ... d", r.Path)
	}

	waitEvent(t, sub, model.EventRouteUpdated)
	active := waitActiveRoute(t, reg, "u1")
	if active.ID != r.ID {
		t.Errorf("active route %s, want planned route %s", active.ID, r.ID)
	}

	if err := reg.CancelRoute(context.Background(), "u1"); err != nil {
		t.Fatalf("CancelRoute: %v", err)
	}
	if got, _ := reg.ActiveRoute(context.Background(), "u1"); got != nil {
		t.Error("route still active after cancel")
	}
}

func TestProgressAdvancePublishesInstruction(t *testing.T) {
	reg, deps := newTestRegistryCfg(t, func(cfg *config.Config) {
		cfg.Fusion.EmitRateCap = 1e9
	})
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := reg.PlanRoute(context.Background(), "u1", model.Position{X: 39, Y: 19},
		model.RouteOptions{Criterion: model.CriterionShortest}); err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	active := waitActiveRoute(t, reg, "u1")

	sub := deps.Bus.Subscribe("u1", []model.Topic{model.TopicInstruction})
	defer deps.Bus.Unsubscribe(sub.ID)

	// Walk onto the second corridor segment; the fused pose has to
	// clear the b corner before progress advances. Pace the steps so
	// 2 m per ingest stays under the fusion velocity clamp.
	for x := 3.0; x <= 33; x += 2 {
		time.Sleep(150 * time.Millisecond)
		if _, err := reg.Ingest(context.Background(), "u1", slamBatch(x, 1)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	e := waitEvent(t, sub, model.EventInstruction)
	p := e.Payload.(model.InstructionPayload)
	if p.RouteID != active.ID {
		t.Errorf("instruction route = %s, want %s", p.RouteID, active.ID)
	}
	if p.Instruction == nil || p.Index < 1 {
		t.Errorf("instruction payload = %+v, want an advanced step", p)
	}
}

func TestPlanResultSurvivesBusyMailbox(t *testing.T) {
	reg, _ := newTestRegistryCfg(t, func(cfg *config.Config) {
		cfg.Session.MailboxSize = 1
	})
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Keep the one-slot mailbox contended while the plan result posts.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = reg.Ingest(context.Background(), "u1", slamBatch(1, 1))
		}
	}()

	r, err := reg.PlanRoute(context.Background(), "u1", model.Position{X: 39, Y: 19},
		model.RouteOptions{Criterion: model.CriterionShortest})
	if err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	active := waitActiveRoute(t, reg, "u1")
	close(stop)
	wg.Wait()

	if active.ID != r.ID {
		t.Errorf("active route %s, want planned route %s", active.ID, r.ID)
	}
}

func TestEdgeInvalidationReplansActiveRoute(t *testing.T) {
	reg, deps := newTestRegistry(t)
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := reg.PlanRoute(context.Background(), "u1", model.Position{X: 39, Y: 19},
		model.RouteOptions{Criterion: model.CriterionShortest}); err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	waitActiveRoute(t, reg, "u1")

	sub := deps.Bus.Subscribe("u1", []model.Topic{model.TopicRoute})
	defer deps.Bus.Unsubscribe(sub.ID)

	reg.EdgesInvalidated([]string{"e-cd"}, "escalator maintenance")

	e := waitEvent(t, sub, model.EventRouteDeviation)
	if r := e.Payload.(model.RoutePayload); r.Reason != "escalator maintenance" {
		t.Errorf("advisory reason = %q", r.Reason)
	}
	waitEvent(t, sub, model.EventRouteUpdated)
}

func TestInvalidationIgnoresUnrelatedEdges(t *testing.T) {
	reg, deps := newTestRegistry(t)
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := reg.PlanRoute(context.Background(), "u1", model.Position{X: 39, Y: 19},
		model.RouteOptions{Criterion: model.CriterionShortest}); err != nil {
		t.Fatalf("PlanRoute: %v", err)
	}
	waitActiveRoute(t, reg, "u1")

	sub := deps.Bus.Subscribe("u1", []model.Topic{model.TopicRoute})
	defer deps.Bus.Unsubscribe(sub.ID)

	reg.EdgesInvalidated([]string{"e-dc"}, "unrelated")

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s for untouched route", eventKind(e))
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReapIdleStopsSessions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(1, 1)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if n := reg.ReapIdle(time.Now()); n != 0 {
		t.Fatalf("fresh session reaped: %d", n)
	}
	if n := reg.ReapIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if reg.Count() != 0 {
		t.Errorf("count = %d after reap, want 0", reg.Count())
	}

	// Traffic after the reap starts a fresh session.
	if _, err := reg.Ingest(context.Background(), "u1", slamBatch(2, 2)); err != nil {
		t.Fatalf("Ingest after reap: %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}
}
