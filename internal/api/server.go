// Package api is the HTTP surface of the server: position ingestion,
// route planning, the websocket event stream and the admin endpoints.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wayfind/pkg/version"
)

// NewServer creates and configures the HTTP server.
func NewServer(addr string, pos *PositionHandler, routes *RouteHandler, stream *StreamHandler, admin *AdminHandler, stats *StatsHandler) *http.Server {
	mux := http.NewServeMux()

	// 1. Health Endpoint
	mux.HandleFunc("GET /health", handleHealth)

	// 2. Positioning and routing
	mux.HandleFunc("POST /api/position/{userID}", pos.HandleIngest)
	mux.HandleFunc("POST /api/route/{userID}", routes.HandlePlan)
	mux.HandleFunc("GET /api/route/{userID}", routes.HandleActive)
	mux.HandleFunc("DELETE /api/route/{userID}", routes.HandleCancel)

	// 3. Event stream
	mux.HandleFunc("GET /api/stream", stream.HandleStream)

	// 4. Admin surface (bearer token)
	mux.HandleFunc("GET /api/admin/zones", admin.requireAuth(admin.HandleListZones))
	mux.HandleFunc("POST /api/admin/zones", admin.requireAuth(admin.HandleCreateZone))
	mux.HandleFunc("PUT /api/admin/zones/{id}", admin.requireAuth(admin.HandleUpdateZone))
	mux.HandleFunc("DELETE /api/admin/zones/{id}", admin.requireAuth(admin.HandleDeleteZone))
	mux.HandleFunc("POST /api/admin/facility", admin.requireAuth(admin.HandleFacilityState))
	mux.HandleFunc("POST /api/admin/reload", admin.requireAuth(admin.HandleReload))
	mux.HandleFunc("POST /api/admin/calibrate/{zoneID}", admin.requireAuth(admin.HandleCalibrate))
	mux.HandleFunc("PUT /api/admin/defaults", admin.requireAuth(admin.HandleSetDefaults))

	// 5. Diagnostics
	mux.HandleFunc("GET /api/version", handleVersion)
	mux.Handle("GET /api/stats", stats)
	mux.HandleFunc("GET /api/log/latest", handleLatestLog)

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the stream endpoint writes indefinitely
		IdleTimeout:  60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
