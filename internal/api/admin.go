package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"wayfind/pkg/facility"
	"wayfind/pkg/handoff"
	"wayfind/pkg/hazard"
	"wayfind/pkg/model"
)

// ReloadFunc re-reads the facility map source and swaps the graph and
// zone registries atomically.
type ReloadFunc func(ctx context.Context) error

// AdminHandler serves the token-guarded operational surface: zone CRUD,
// facility state ingestion, map reload, transition zone recalibration
// and routing defaults.
type AdminHandler struct {
	token    string
	hazards  *hazard.Engine
	handoffs *handoff.Engine
	broker   *facility.Broker
	defaults *RouteDefaults
	reload   ReloadFunc
	logger   *slog.Logger
}

func NewAdminHandler(token string, hz *hazard.Engine, ho *handoff.Engine, broker *facility.Broker, defaults *RouteDefaults, reload ReloadFunc, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		token:    token,
		hazards:  hz,
		handoffs: ho,
		broker:   broker,
		defaults: defaults,
		reload:   reload,
		logger:   logger.With("component", "admin"),
	}
}

// requireAuth wraps a handler with bearer token validation. With no
// token configured the whole admin surface is closed.
func (h *AdminHandler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.token == "" || !ok ||
			subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeError(w, model.ErrUnauthorized())
			return
		}
		next(w, r)
	}
}

func (h *AdminHandler) HandleListZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hazards.Zones())
}

func (h *AdminHandler) HandleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z model.HazardZone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		writeError(w, model.ErrInvalidInput("malformed zone: %v", err))
		return
	}
	created, err := h.hazards.CreateZone(z)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("hazard zone created", "zone", created.ID, "kind", created.Kind, "severity", created.Severity)
	writeJSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) HandleUpdateZone(w http.ResponseWriter, r *http.Request) {
	var z model.HazardZone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		writeError(w, model.ErrInvalidInput("malformed zone: %v", err))
		return
	}
	z.ID = r.PathValue("id")
	updated, err := h.hazards.UpdateZone(z)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) HandleDeleteZone(w http.ResponseWriter, r *http.Request) {
	if err := h.hazards.DeleteZone(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// facilityStateRequest is pushed by facility systems: operational asset
// statuses and crowd density readings, applied in one batch.
type facilityStateRequest struct {
	Assets []facility.AssetUpdate `json:"assets,omitempty"`
	Crowd  []facility.CrowdUpdate `json:"crowd,omitempty"`
}

type facilityStateResponse struct {
	GraphVersion uint64 `json:"graph_version"`
}

func (h *AdminHandler) HandleFacilityState(w http.ResponseWriter, r *http.Request) {
	var req facilityStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidInput("malformed facility state: %v", err))
		return
	}
	if len(req.Assets) == 0 && len(req.Crowd) == 0 {
		writeError(w, model.ErrInvalidInput("facility state needs assets or crowd readings"))
		return
	}
	for _, u := range req.Assets {
		if u.AssetID == "" || u.Status == "" {
			writeError(w, model.ErrInvalidInput("asset update needs asset_id and status"))
			return
		}
	}

	var version uint64
	if len(req.Assets) > 0 {
		v, err := h.broker.ApplyAssetStatus(req.Assets)
		if err != nil {
			writeError(w, err)
			return
		}
		version = v
	}
	if len(req.Crowd) > 0 {
		v, err := h.broker.ApplyCrowdDensity(req.Crowd)
		if err != nil {
			writeError(w, err)
			return
		}
		version = v
	}
	h.logger.Info("facility state applied",
		"assets", len(req.Assets), "crowd", len(req.Crowd), "version", version)
	writeJSON(w, http.StatusOK, facilityStateResponse{GraphVersion: version})
}

func (h *AdminHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("facility map reloaded")
	w.WriteHeader(http.StatusNoContent)
}

type calibrateRequest struct {
	Pairs []handoff.CalibrationPair `json:"pairs"`
}

func (h *AdminHandler) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidInput("malformed calibration request: %v", err))
		return
	}
	cal, err := h.handoffs.Recalibrate(r.PathValue("zoneID"), req.Pairs)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("transition zone recalibrated", "zone", r.PathValue("zoneID"), "pairs", len(req.Pairs))
	writeJSON(w, http.StatusOK, cal)
}

func (h *AdminHandler) HandleSetDefaults(w http.ResponseWriter, r *http.Request) {
	var opts model.RouteOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, model.ErrInvalidInput("malformed defaults: %v", err))
		return
	}
	if opts.Criterion == "" {
		writeError(w, model.ErrInvalidInput("defaults need a criterion"))
		return
	}
	h.defaults.Set(opts)
	w.WriteHeader(http.StatusNoContent)
}
