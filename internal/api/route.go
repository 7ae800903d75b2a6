package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"wayfind/pkg/model"
	"wayfind/pkg/session"
)

// RouteDefaults holds the admin-tunable default optimization options,
// applied when a plan request leaves them unset.
type RouteDefaults struct {
	opts atomic.Pointer[model.RouteOptions]
}

func NewRouteDefaults() *RouteDefaults {
	d := &RouteDefaults{}
	d.opts.Store(&model.RouteOptions{Criterion: model.CriterionFastest})
	return d
}

// Set replaces the defaults.
func (d *RouteDefaults) Set(opts model.RouteOptions) {
	d.opts.Store(&opts)
}

// Apply fills unset fields of the request options.
func (d *RouteDefaults) Apply(opts model.RouteOptions) model.RouteOptions {
	def := d.opts.Load()
	if opts.Criterion == "" {
		opts.Criterion = def.Criterion
	}
	if opts.DistanceWeight == 0 && opts.TimeWeight == 0 &&
		opts.AccessibilityWeight == 0 && opts.SafetyWeight == 0 {
		opts.DistanceWeight = def.DistanceWeight
		opts.TimeWeight = def.TimeWeight
		opts.AccessibilityWeight = def.AccessibilityWeight
		opts.SafetyWeight = def.SafetyWeight
	}
	if opts.MaxWalkingDistance == 0 {
		opts.MaxWalkingDistance = def.MaxWalkingDistance
	}
	return opts
}

// RouteHandler exposes route planning and the active route session.
type RouteHandler struct {
	sessions *session.Registry
	defaults *RouteDefaults
}

func NewRouteHandler(sessions *session.Registry, defaults *RouteDefaults) *RouteHandler {
	return &RouteHandler{sessions: sessions, defaults: defaults}
}

type planRequest struct {
	Destination model.Position     `json:"destination"`
	Options     model.RouteOptions `json:"options"`
}

func (h *RouteHandler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidInput("malformed plan request: %v", err))
		return
	}

	route, err := h.sessions.PlanRoute(r.Context(), userID, req.Destination, h.defaults.Apply(req.Options))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *RouteHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.CancelRoute(r.Context(), r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RouteHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	route, err := h.sessions.ActiveRoute(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if route == nil {
		writeError(w, model.ErrNoRouteFound("no active route"))
		return
	}
	writeJSON(w, http.StatusOK, route)
}
