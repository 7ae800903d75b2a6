// Package config loads the server configuration from a single YAML file,
// merging user values over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Map       MapConfig       `yaml:"map"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Graph     GraphConfig     `yaml:"graph"`
	Route     RouteConfig     `yaml:"route"`
	Hazard    HazardConfig    `yaml:"hazard"`
	Facility  FacilityConfig  `yaml:"facility"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address    string `yaml:"address"`
	AdminToken string `yaml:"admin_token"` // falls back to WAYFIND_ADMIN_TOKEN
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
	// HazardWALPath is the append-only log for runtime hazard zones.
	HazardWALPath string `yaml:"hazard_wal_path"`
}

// MapConfig points at the facility map sources.
type MapConfig struct {
	// Source selects the loader: "sqlite", "geojson" or "shapefile".
	Source string `yaml:"source"`
	// Path for geojson/shapefile sources; sqlite uses db.path.
	Path string `yaml:"path"`
	// Reference origin of the local frame (WGS-84).
	OriginLat float64 `yaml:"origin_lat"`
	OriginLon float64 `yaml:"origin_lon"`
	OriginAlt float64 `yaml:"origin_alt"`
}

// FusionConfig tunes the pose fusion engine.
type FusionConfig struct {
	MaxInterSampleGap Duration `yaml:"max_inter_sample_gap"`
	LostTimeout       Duration `yaml:"lost_timeout"`
	MaxGpsAccuracy    float64  `yaml:"max_gps_accuracy"` // meters
	MaxVelocity       float64  `yaml:"max_velocity"`     // m/s
	EmitRateCap       float64  `yaml:"emit_rate_cap"`    // Hz
	RingSize          int      `yaml:"ring_size"`        // retained poses per user
	// Per-sensor base observation noise, meters.
	SlamNoise float64 `yaml:"slam_noise"`
	CvNoise   float64 `yaml:"cv_noise"`
	BleNoise  float64 `yaml:"ble_noise"`
	GpsNoise  float64 `yaml:"gps_noise"`
	// CV detections older than this are stale.
	CvMaxAge Duration `yaml:"cv_max_age"`
	// BLE RSSI -> distance model. Calibration-required: the exponent and
	// reference power vary per facility and beacon hardware.
	BlePathLossExponent float64 `yaml:"ble_path_loss_exponent"`
	BleTxPowerAt1m      float64 `yaml:"ble_tx_power_at_1m"` // dBm
	BleMinRSSI          float64 `yaml:"ble_min_rssi"`       // dBm
	BleMaxRange         float64 `yaml:"ble_max_range"`      // meters
	// Filter divergence threshold on the covariance trace.
	DivergenceTrace float64 `yaml:"divergence_trace"`
}

// HandoffConfig tunes indoor/outdoor frame arbitration.
type HandoffConfig struct {
	SwitchHold        Duration `yaml:"switch_hold"`
	TransitionTimeout Duration `yaml:"transition_timeout"`
	// SlamExitConfidence: below this, GPS may take over inside a zone.
	SlamExitConfidence float64 `yaml:"slam_exit_confidence"`
}

// GraphConfig tunes the navigation graph store.
type GraphConfig struct {
	GridCellSize    float64 `yaml:"grid_cell_size"`    // meters
	MaxSearchRadius float64 `yaml:"max_search_radius"` // meters, snap limit
}

// RouteConfig tunes the route planner.
type RouteConfig struct {
	FloorPenalty       float64  `yaml:"floor_penalty"`       // seconds per floor in heuristic
	ElevatorPenalty    float64  `yaml:"elevator_penalty"`    // seconds wait
	EscalatorBonus     float64  `yaml:"escalator_bonus"`     // time multiplier
	StairsPenalty      float64  `yaml:"stairs_penalty"`      // time multiplier
	MaxComputationTime Duration `yaml:"max_computation_time"`
	MaxExpansions      int      `yaml:"max_expansions"`
	CacheTTL           Duration `yaml:"cache_ttl"`
	CacheSize          int      `yaml:"cache_size"`
	MaxConcurrent      int      `yaml:"max_concurrent"` // global in-flight cap
}

// HazardConfig tunes the hazard and geofence engine.
type HazardConfig struct {
	AlertProximityThreshold float64  `yaml:"alert_proximity_threshold"` // meters
	DefaultCooldown         Duration `yaml:"default_cooldown"`
	ExitHysteresis          float64  `yaml:"exit_hysteresis"`      // threshold multiplier
	BatchAlertThreshold     int      `yaml:"batch_alert_threshold"` // alerts/min/user
}

// FacilityConfig tunes the facility state broker.
type FacilityConfig struct {
	CrowdPenalty float64 `yaml:"crowd_penalty"` // dynamic weight coefficient
}

// SessionConfig tunes per-user sessions and the event bus.
type SessionConfig struct {
	IdleTTL           Duration `yaml:"idle_ttl"`
	MailboxSize       int      `yaml:"mailbox_size"`
	SubscriberQueue   int      `yaml:"subscriber_queue"`
	SendTimeout       Duration `yaml:"send_timeout"`
	ArrivalRadius     float64  `yaml:"arrival_radius"`      // meters
	DeviationThreshold float64 `yaml:"deviation_threshold"` // meters
	DeviationSustain  Duration `yaml:"deviation_sustain"`
}

// SchedulerConfig tunes the periodic job wheel.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "localhost:2041",
		},
		Log: LogConfig{
			Server:   LogSettings{Path: "./logs/server.log", Level: "INFO"},
			Requests: LogSettings{Path: "./logs/requests.log", Level: "INFO"},
		},
		DB: DBConfig{
			Path:          "./data/wayfind.db",
			HazardWALPath: "./data/hazard.wal",
		},
		Map: MapConfig{
			Source: "sqlite",
		},
		Fusion: FusionConfig{
			MaxInterSampleGap:   Duration(2 * time.Second),
			LostTimeout:         Duration(10 * time.Second),
			MaxGpsAccuracy:      20,
			MaxVelocity:         15,
			EmitRateCap:         10,
			RingSize:            256,
			SlamNoise:           0.5,
			CvNoise:             0.3,
			BleNoise:            2.0,
			GpsNoise:            3.0,
			CvMaxAge:            Duration(5 * time.Second),
			BlePathLossExponent: 2.0,
			BleTxPowerAt1m:      -59,
			BleMinRSSI:          -100,
			BleMaxRange:         50,
			DivergenceTrace:     1e4,
		},
		Handoff: HandoffConfig{
			SwitchHold:         Duration(3 * time.Second),
			TransitionTimeout:  Duration(30 * time.Second),
			SlamExitConfidence: 0.4,
		},
		Graph: GraphConfig{
			GridCellSize:    10,
			MaxSearchRadius: 500,
		},
		Route: RouteConfig{
			FloorPenalty:       60,
			ElevatorPenalty:    45,
			EscalatorBonus:     0.8,
			StairsPenalty:      1.2,
			MaxComputationTime: Duration(5 * time.Second),
			MaxExpansions:      200_000,
			CacheTTL:           Duration(5 * time.Minute),
			CacheSize:          4096,
			MaxConcurrent:      256,
		},
		Hazard: HazardConfig{
			AlertProximityThreshold: 10,
			DefaultCooldown:         Duration(30 * time.Second),
			ExitHysteresis:          1.25,
			BatchAlertThreshold:     10,
		},
		Facility: FacilityConfig{
			CrowdPenalty: 2.0,
		},
		Session: SessionConfig{
			IdleTTL:            Duration(30 * time.Minute),
			MailboxSize:        128,
			SubscriberQueue:    256,
			SendTimeout:        Duration(100 * time.Millisecond),
			ArrivalRadius:      3,
			DeviationThreshold: 8,
			DeviationSustain:   Duration(2 * time.Second),
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(1 * time.Second),
		},
	}
}

// Load loads the configuration from the given path. If the file does not
// exist, it is created with defaults. Existing files are merged over
// defaults but never written back, preserving user formatting.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	if cfg.Server.AdminToken == "" {
		cfg.Server.AdminToken = os.Getenv("WAYFIND_ADMIN_TOKEN")
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Fusion.EmitRateCap <= 0 {
		return fmt.Errorf("fusion.emit_rate_cap must be positive")
	}
	if c.Graph.GridCellSize <= 0 {
		return fmt.Errorf("graph.grid_cell_size must be positive")
	}
	if c.Route.MaxConcurrent <= 0 {
		return fmt.Errorf("route.max_concurrent must be positive")
	}
	switch c.Map.Source {
	case "sqlite", "geojson", "shapefile":
	default:
		return fmt.Errorf("map.source must be sqlite, geojson or shapefile, got %q", c.Map.Source)
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Wayfind Configuration
# ---------------------
# Durations accept: ns, us, ms, s, m, h, d (day), w (week)
# Distances are meters unless noted otherwise.
# fusion.ble_path_loss_exponent / ble_tx_power_at_1m require per-facility
# calibration; the defaults are free-space assumptions.

`)
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return Save(path, DefaultConfig())
}
