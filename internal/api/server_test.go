package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wayfind/pkg/config"
	"wayfind/pkg/facility"
	"wayfind/pkg/geo"
	"wayfind/pkg/graph"
	"wayfind/pkg/handoff"
	"wayfind/pkg/hazard"
	"wayfind/pkg/model"
	"wayfind/pkg/route"
	"wayfind/pkg/session"
	"wayfind/pkg/tracker"
	"wayfind/pkg/version"
)

const testToken = "test-admin-token"

type testEnv struct {
	handler  http.Handler
	bus      *session.Bus
	graphs   *graph.Store
	reloads  int
	defaults *RouteDefaults
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	trk := tracker.New()
	logger := slog.Default()

	gs := graph.NewStore(10)
	nodes := []model.Node{
		{ID: "a", Kind: model.NodeWalkway, Position: model.Position{X: 0, Y: 0}, Accessibility: model.Accessibility{Wheelchair: true}},
		{ID: "b", Kind: model.NodeWalkway, Position: model.Position{X: 20, Y: 0}, Accessibility: model.Accessibility{Wheelchair: true}},
		{ID: "c", Kind: model.NodeGate, Position: model.Position{X: 40, Y: 0}, Accessibility: model.Accessibility{Wheelchair: true}},
	}
	edges := []model.Edge{
		{ID: "e-ab", From: "a", To: "b", Distance: 20, EstimatedTime: 14, Mode: model.ModeWalk, AccessibilityScore: 1},
		{ID: "e-ba", From: "b", To: "a", Distance: 20, EstimatedTime: 14, Mode: model.ModeWalk, AccessibilityScore: 1},
		{ID: "e-bc", From: "b", To: "c", Distance: 20, EstimatedTime: 14, Mode: model.ModeWalk, AccessibilityScore: 1},
		{ID: "e-cb", From: "c", To: "b", Distance: 20, EstimatedTime: 14, Mode: model.ModeWalk, AccessibilityScore: 1},
	}
	if err := gs.Load(nodes, edges); err != nil {
		t.Fatalf("Load: %v", err)
	}

	planner, err := route.NewPlanner(cfg.Route, cfg.Graph, gs, nil, trk, logger)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	t.Cleanup(planner.Close)

	bus := session.NewBus(cfg.Session, trk, logger)
	hz := hazard.NewEngine(cfg.Hazard, gs, nil, nil, trk, logger)
	ho := handoff.NewEngine(cfg.Handoff, geo.NewProjection(47.45, 8.56, 430), logger)

	sessions := session.NewRegistry(&session.Deps{
		Cfg: cfg, Bus: bus, Planner: planner, Hazard: hz, Handoff: ho,
		Graphs: gs, Trk: trk, Logger: logger,
	})
	t.Cleanup(sessions.Shutdown)

	broker := facility.NewBroker(cfg.Facility, gs, trk, logger)
	broker.Attach(bus, sessions)

	env := &testEnv{bus: bus, graphs: gs, defaults: NewRouteDefaults()}
	reload := func(context.Context) error {
		env.reloads++
		return nil
	}
	srv := NewServer("127.0.0.1:0",
		NewPositionHandler(sessions, trk),
		NewRouteHandler(sessions, env.defaults),
		NewStreamHandler(bus, gs, logger),
		NewAdminHandler(testToken, hz, ho, broker, env.defaults, reload, logger),
		NewStatsHandler(trk, sessions, bus, gs),
	)
	env.handler = srv.Handler
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func sampleBatch(x, y float64) positionRequest {
	now := time.Now()
	return positionRequest{Samples: []model.SensorSample{{
		Source:      model.SourceSLAM,
		TimestampNs: now.UnixNano(),
		Local:       &model.Position{X: x, Y: y, TimestampNs: now.UnixNano()},
		Confidence:  0.9,
	}}}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("bad error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestPositionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/position/u1", sampleBatch(1, 1), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp positionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pose == nil || resp.Pose.UserID != "u1" {
		t.Errorf("pose = %+v", resp.Pose)
	}

	rec = env.do(t, http.MethodPost, "/api/position/u1", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != model.CodeInvalidInput {
		t.Errorf("error code = %s", e.Code)
	}
}

func TestRouteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/position/u1", sampleBatch(1, 0), "")

	rec := env.do(t, http.MethodPost, "/api/route/u1",
		planRequest{Destination: model.Position{X: 39, Y: 0}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status = %d body %s", rec.Code, rec.Body.String())
	}
	var planned model.Route
	if err := json.Unmarshal(rec.Body.Bytes(), &planned); err != nil {
		t.Fatalf("decode route: %v", err)
	}
	if len(planned.Path) == 0 || planned.Path[len(planned.Path)-1] != "c" {
		t.Fatalf("path = %v", planned.Path)
	}
	// Defaults applied: request sent no criterion.
	if planned.Options.Criterion != model.CriterionFastest {
		t.Errorf("criterion = %s, want the default fastest", planned.Options.Criterion)
	}

	// The route session activates asynchronously after planning.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = env.do(t, http.MethodGet, "/api/route/u1", nil, "")
		if rec.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("active route status = %d", rec.Code)
	}

	if rec = env.do(t, http.MethodDelete, "/api/route/u1", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if rec = env.do(t, http.MethodGet, "/api/route/u1", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("status after cancel = %d, want 404", rec.Code)
	}
}

func TestPlanWithoutPoseConflicts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/route/ghost",
		planRequest{Destination: model.Position{X: 39, Y: 0}}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != model.CodePoseLost {
		t.Errorf("error code = %s, want pose_lost", e.Code)
	}
}

func adminZone() model.HazardZone {
	return model.HazardZone{
		ID:       "hz-api",
		Name:     "Closed corridor",
		Kind:     model.ZoneMaintenance,
		Severity: model.SeverityHigh,
		Polygons: []model.Polygon{{
			Floor: 0,
			Rings: []model.Ring{{{10, -5}, {30, -5}, {30, 5}, {10, 5}, {10, -5}}},
		}},
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "wrong-token"} {
		rec := env.do(t, http.MethodPost, "/api/admin/zones", adminZone(), token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, rec.Code)
		}
		if e := decodeError(t, rec); e.Code != model.CodeUnauthorized {
			t.Errorf("token %q: error code = %s", token, e.Code)
		}
	}
}

func TestAdminZoneCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/admin/zones", adminZone(), testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	var created model.HazardZone
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created zone: %v", err)
	}
	if len(created.BlockedEdges) == 0 {
		t.Error("created zone blocks no edges despite covering the corridor")
	}

	// Duplicate create conflicts.
	if rec = env.do(t, http.MethodPost, "/api/admin/zones", adminZone(), testToken); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	created.Severity = model.SeverityCritical
	rec = env.do(t, http.MethodPut, "/api/admin/zones/hz-api", created, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body %s", rec.Code, rec.Body.String())
	}

	if rec = env.do(t, http.MethodDelete, "/api/admin/zones/hz-api", nil, testToken); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec = env.do(t, http.MethodDelete, "/api/admin/zones/hz-api", nil, testToken); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAdminFacilityState(t *testing.T) {
	env := newTestEnv(t)

	v0 := env.graphs.Version()
	rec := env.do(t, http.MethodPost, "/api/admin/facility", facilityStateRequest{
		Assets: []facility.AssetUpdate{{AssetID: "e-ab", Status: model.EdgeClosed, Reason: "escalator stopped"}},
		Crowd:  []facility.CrowdUpdate{{EdgeID: "e-bc", Density: 0.9}},
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("facility status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp facilityStateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.GraphVersion <= v0 {
		t.Errorf("graph version = %d, want > %d", resp.GraphVersion, v0)
	}

	snap := env.graphs.Snapshot()
	if e, _ := snap.Edge("e-ab"); e.Status != model.EdgeClosed {
		t.Errorf("e-ab status = %s, want closed", e.Status)
	}
	if e, _ := snap.Edge("e-bc"); e.DynamicWeight <= 1 {
		t.Errorf("e-bc dynamic weight = %f, want crowd penalty applied", e.DynamicWeight)
	}

	// Empty and malformed pushes are rejected.
	if rec := env.do(t, http.MethodPost, "/api/admin/facility", facilityStateRequest{}, testToken); rec.Code != http.StatusBadRequest {
		t.Errorf("empty push status = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/admin/facility", facilityStateRequest{
		Assets: []facility.AssetUpdate{{AssetID: "e-ab"}},
	}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("statusless asset push status = %d, want 400", rec.Code)
	}
}

func TestAdminReloadAndDefaults(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/api/admin/reload", nil, testToken); rec.Code != http.StatusNoContent {
		t.Fatalf("reload status = %d", rec.Code)
	}
	if env.reloads != 1 {
		t.Errorf("reloads = %d, want 1", env.reloads)
	}

	rec := env.do(t, http.MethodPut, "/api/admin/defaults",
		model.RouteOptions{Criterion: model.CriterionAccessible}, testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("defaults status = %d", rec.Code)
	}
	got := env.defaults.Apply(model.RouteOptions{})
	if got.Criterion != model.CriterionAccessible {
		t.Errorf("applied criterion = %s", got.Criterion)
	}

	// Explicit request options win over defaults.
	got = env.defaults.Apply(model.RouteOptions{Criterion: model.CriterionShortest})
	if got.Criterion != model.CriterionShortest {
		t.Errorf("explicit criterion overridden to %s", got.Criterion)
	}

	if rec := env.do(t, http.MethodPut, "/api/admin/defaults", model.RouteOptions{}, testToken); rec.Code != http.StatusBadRequest {
		t.Errorf("empty defaults status = %d, want 400", rec.Code)
	}
}

func TestStreamHelloAndEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream?user=u1&topics=pose"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello model.HelloPayload
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Kind != model.EventHello || hello.ProtocolVersion != version.Protocol {
		t.Fatalf("hello = %+v", hello)
	}
	if hello.GraphVersion != env.graphs.Version() {
		t.Errorf("hello graph version = %d, want %d", hello.GraphVersion, env.graphs.Version())
	}

	env.bus.Publish(model.Event{
		Topic:   model.TopicPose,
		UserID:  "u1",
		Payload: model.PosePayload{Kind: model.EventPose, Pose: &model.Pose{UserID: "u1"}},
	})

	var e model.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.Topic != model.TopicPose || e.UserID != "u1" {
		t.Errorf("event = %+v", e)
	}
}

func TestStreamCleanupAfterResubscribe(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream?user=u1&topics=pose"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello model.HelloPayload
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	// Replace the subscription a few times and disconnect right away;
	// a replacement still in flight must not outlive the connection.
	for i := 0; i < 5; i++ {
		frame := map[string]any{"user_id": "u2", "topics": []string{"route"}}
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("write subscribe frame: %v", err)
		}
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d after disconnect, want 0", env.bus.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/position/u1", sampleBatch(1, 1), "")

	rec := env.do(t, http.MethodGet, "/api/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}

	if rec = env.do(t, http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/version", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "version") {
		t.Errorf("version response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{model.CodeInvalidInput, http.StatusBadRequest},
		{model.CodeUnauthorized, http.StatusUnauthorized},
		{model.CodeNoRouteFound, http.StatusNotFound},
		{model.CodeZoneConflict, http.StatusConflict},
		{model.CodePoseLost, http.StatusConflict},
		{model.CodeNoNodesNearPosition, http.StatusUnprocessableEntity},
		{model.CodeRouteTimeout, http.StatusServiceUnavailable},
		{model.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.code); got != tc.want {
			t.Errorf("statusFor(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, model.ErrSaturated(1500*time.Millisecond))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want rounded-up seconds", got)
	}
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !e.Retryable || e.RetryAfterMs != 1500 {
		t.Errorf("body = %+v", e)
	}
}
