package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wayfind/internal/api"
	"wayfind/pkg/config"
	"wayfind/pkg/core"
	"wayfind/pkg/db"
	"wayfind/pkg/facility"
	"wayfind/pkg/geo"
	"wayfind/pkg/graph"
	"wayfind/pkg/handoff"
	"wayfind/pkg/hazard"
	"wayfind/pkg/logging"
	"wayfind/pkg/model"
	"wayfind/pkg/probe"
	"wayfind/pkg/route"
	"wayfind/pkg/session"
	"wayfind/pkg/store"
	"wayfind/pkg/tracker"
	"wayfind/pkg/version"
)

// Exit codes for the service wrapper: a bad facility map and a failed
// bind are operator errors, everything else is internal.
const (
	exitBadMap   = 64
	exitBindFail = 65
	exitInternal = 70
)

var (
	configPath = flag.String("config", "configs/wayfind.yaml", "Path to config file")
	initConfig = flag.Bool("init-config", false, "Generate default config file and exit")
)

// exitErr carries a process exit code alongside the cause.
type exitErr struct {
	code int
	err  error
}

func (e exitErr) Error() string { return e.err.Error() }
func (e exitErr) Unwrap() error { return e.err }

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(exitInternal)
		}
		fmt.Printf("Config file generated: %s\n", *configPath)
		return
	}

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		code := exitInternal
		var ee exitErr
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Secrets like WAYFIND_ADMIN_TOKEN may live in a .env next to the
	// binary; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("Wayfind started", "version", version.Version)

	dbConn, err := db.Init(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbConn.Close()
	st := store.NewSQLiteStore(dbConn)

	proj := geo.NewProjection(cfg.Map.OriginLat, cfg.Map.OriginLon, cfg.Map.OriginAlt)

	fm, err := loadFacilityMap(ctx, cfg, st, proj)
	if err != nil {
		return exitErr{exitBadMap, fmt.Errorf("facility map load failed: %w", err)}
	}
	slog.Info("Facility map loaded", "source", cfg.Map.Source,
		"nodes", len(fm.Nodes), "edges", len(fm.Edges), "beacons", len(fm.Beacons))

	tr := tracker.New()

	gs := graph.NewStore(cfg.Graph.GridCellSize)
	if err := gs.Load(fm.Nodes, fm.Edges); err != nil {
		return exitErr{exitBadMap, fmt.Errorf("graph build failed: %w", err)}
	}
	if rep := gs.Validate(); len(rep.OrphanNodes) > 0 || len(rep.OneWayVertical) > 0 {
		slog.Warn("Graph validation found oddities",
			"orphan_nodes", len(rep.OrphanNodes), "one_way_vertical", len(rep.OneWayVertical))
	}

	broker := facility.NewBroker(cfg.Facility, gs, tr, slog.Default())

	wal, err := hazard.OpenWAL(cfg.DB.HazardWALPath)
	if err != nil {
		return fmt.Errorf("failed to open hazard WAL: %w", err)
	}
	defer wal.Close()

	hz := hazard.NewEngine(cfg.Hazard, gs, broker, wal, tr, slog.Default())
	hz.LoadZones(fm.HazardZones)
	hz.LoadAreas(fm.RestrictedAreas)
	if err := hz.ReplayWAL(); err != nil {
		return fmt.Errorf("failed to replay hazard WAL: %w", err)
	}

	planner, err := route.NewPlanner(cfg.Route, cfg.Graph, gs, hz, tr, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to initialize route planner: %w", err)
	}
	defer planner.Close()

	ho := handoff.NewEngine(cfg.Handoff, proj, slog.Default())
	if err := ho.LoadZones(fm.TransitionZones); err != nil {
		return exitErr{exitBadMap, fmt.Errorf("transition zones invalid: %w", err)}
	}

	bus := session.NewBus(cfg.Session, tr, slog.Default())
	registry := session.NewRegistry(&session.Deps{
		Cfg:     cfg,
		Bus:     bus,
		Planner: planner,
		Hazard:  hz,
		Handoff: ho,
		Graphs:  gs,
		Beacons: store.NewBeaconDirectory(fm.Beacons),
		Trk:     tr,
		Logger:  slog.Default(),
	})
	defer registry.Shutdown()

	// The broker and the session layer reference each other; close the
	// loop now that both exist.
	broker.Attach(bus, registry)

	sched := core.NewScheduler(cfg.Scheduler, slog.Default())
	sched.AddJob(core.NewZoneSweepJob(hz, 30*time.Second, slog.Default()))
	sched.AddJob(core.NewCachePruneJob(planner, time.Minute, slog.Default()))
	sched.AddJob(core.NewSessionReapJob(registry, time.Minute))
	go sched.Start(ctx)

	probes := []probe.Probe{
		{
			Name:     "Database",
			Check:    func(ctx context.Context) error { return dbConn.PingContext(ctx) },
			Critical: true,
		},
		{
			Name: "Navigation Graph",
			Check: func(context.Context) error {
				if gs.Snapshot().NodeCount() == 0 {
					return fmt.Errorf("graph has no nodes")
				}
				return nil
			},
			Critical: true,
		},
	}
	if err := probe.AnalyzeResults(probe.Run(ctx, probes)); err != nil {
		return exitErr{exitBadMap, fmt.Errorf("startup checks failed: %w", err)}
	}

	reload := makeReload(cfg, st, proj, gs, ho, hz)
	defaults := api.NewRouteDefaults()

	srv := api.NewServer(cfg.Server.Address,
		api.NewPositionHandler(registry, tr),
		api.NewRouteHandler(registry, defaults),
		api.NewStreamHandler(bus, gs, slog.Default()),
		api.NewAdminHandler(cfg.Server.AdminToken, hz, ho, broker, defaults, reload, slog.Default()),
		api.NewStatsHandler(tr, registry, bus, gs),
	)
	srv.Handler = loggingMiddleware(srv.Handler)

	return runServerLifecycle(ctx, srv)
}

// loadFacilityMap reads the map from the configured source.
func loadFacilityMap(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, proj *geo.Projection) (*graph.FacilityMap, error) {
	switch cfg.Map.Source {
	case "sqlite":
		return st.LoadFacilityMap(ctx)
	case "geojson":
		return graph.LoadGeoJSON(cfg.Map.Path, proj)
	case "shapefile":
		return graph.LoadShapefile(cfg.Map.Path, proj)
	default:
		return nil, fmt.Errorf("unknown map source %q", cfg.Map.Source)
	}
}

// makeReload builds the admin reload hook: re-read the map source and
// swap the graph, transition zones and restricted areas. Runtime hazard
// zones survive a reload.
func makeReload(cfg *config.Config, st *store.SQLiteStore, proj *geo.Projection, gs *graph.Store, ho *handoff.Engine, hz *hazard.Engine) api.ReloadFunc {
	return func(ctx context.Context) error {
		fm, err := loadFacilityMap(ctx, cfg, st, proj)
		if err != nil {
			return model.ErrInvalidInput("facility map reload failed: %v", err)
		}
		if err := gs.Load(fm.Nodes, fm.Edges); err != nil {
			return model.ErrInvalidInput("graph rebuild failed: %v", err)
		}
		if err := ho.LoadZones(fm.TransitionZones); err != nil {
			return model.ErrInvalidInput("transition zones invalid: %v", err)
		}
		hz.LoadZones(fm.HazardZones)
		hz.LoadAreas(fm.RestrictedAreas)
		slog.Info("Facility map reloaded",
			"nodes", len(fm.Nodes), "edges", len(fm.Edges), "version", gs.Version())
		return nil
	}
}

func runServerLifecycle(ctx context.Context, srv *http.Server) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return exitErr{exitBindFail, fmt.Errorf("server failed: %w", err)}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.RequestLogger.Info("Request Processed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
