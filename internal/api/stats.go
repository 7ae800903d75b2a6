package api

import (
	"net/http"

	"wayfind/pkg/graph"
	"wayfind/pkg/session"
	"wayfind/pkg/tracker"
)

// StatsHandler exposes runtime counters for diagnostics.
type StatsHandler struct {
	tracker  *tracker.Tracker
	sessions *session.Registry
	bus      *session.Bus
	graphs   *graph.Store
}

func NewStatsHandler(t *tracker.Tracker, sessions *session.Registry, bus *session.Bus, graphs *graph.Store) *StatsHandler {
	return &StatsHandler{tracker: t, sessions: sessions, bus: bus, graphs: graphs}
}

type StatsResponse struct {
	Components     map[string]tracker.StatsSnapshot `json:"components"`
	ActiveSessions int                              `json:"active_sessions"`
	Subscribers    int                              `json:"subscribers"`
	GraphVersion   uint64                           `json:"graph_version"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Components:     h.tracker.Snapshot(),
		ActiveSessions: h.sessions.Count(),
		Subscribers:    h.bus.SubscriberCount(),
		GraphVersion:   h.graphs.Version(),
	})
}
