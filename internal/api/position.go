package api

import (
	"encoding/json"
	"net/http"
	"time"

	"wayfind/pkg/model"
	"wayfind/pkg/session"
	"wayfind/pkg/tracker"
)

// PositionHandler ingests sensor sample batches and returns fused poses.
type PositionHandler struct {
	sessions *session.Registry
	trk      *tracker.Tracker
}

func NewPositionHandler(sessions *session.Registry, trk *tracker.Tracker) *PositionHandler {
	return &PositionHandler{sessions: sessions, trk: trk}
}

type positionRequest struct {
	Samples []model.SensorSample `json:"samples"`
}

type positionResponse struct {
	// Pose is null when the batch was absorbed without emitting (rate
	// cap, pure prediction update).
	Pose *model.Pose `json:"pose"`
}

func (h *PositionHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")

	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.ErrInvalidInput("malformed sample batch: %v", err))
		return
	}

	start := time.Now()
	pose, err := h.sessions.Ingest(r.Context(), userID, req.Samples)
	h.trk.TrackLatency("api", time.Since(start))
	if err != nil {
		h.trk.TrackRejected("api")
		writeError(w, err)
		return
	}
	h.trk.TrackAccepted("api")

	writeJSON(w, http.StatusOK, positionResponse{Pose: pose})
}
