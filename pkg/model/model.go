// Package model holds the shared domain types of the wayfinding core.
package model

import (
	"time"
)

// Frame identifies the coordinate frame a position or pose is expressed in.
type Frame string

const (
	FrameIndoor     Frame = "indoor"
	FrameOutdoor    Frame = "outdoor"
	FrameTransition Frame = "transition"
)

// Position is a local facility coordinate: meters, right-handed,
// +x east, +y north, +z up, floor as signed integer (ground = 0).
type Position struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Floor       int     `json:"floor"`
	TimestampNs int64   `json:"timestamp_ns"`
	Accuracy    float64 `json:"accuracy"` // meters, 1-sigma
}

// GeoPosition is a WGS-84 geodetic coordinate.
type GeoPosition struct {
	Lat         float64 `json:"lat"` // degrees
	Lon         float64 `json:"lon"` // degrees
	Alt         float64 `json:"alt"` // meters above ellipsoid
	TimestampNs int64   `json:"timestamp_ns"`
	Accuracy    float64 `json:"accuracy"` // meters, 1-sigma
}

// SensorSource identifies the origin of a raw position sample.
type SensorSource string

const (
	SourceSLAM SensorSource = "slam"
	SourceBLE  SensorSource = "ble"
	SourceCV   SensorSource = "cv"
	SourceGPS  SensorSource = "gps"
	SourceIMU  SensorSource = "imu"
)

// BeaconReading is one BLE beacon observation inside a sample.
type BeaconReading struct {
	BeaconID string  `json:"beacon_id"`
	RSSI     float64 `json:"rssi"`     // dBm
	Distance float64 `json:"distance"` // meters, 0 when not estimated by the device
	// Known beacon position; filled in from the facility map on ingest.
	Position *Position `json:"position,omitempty"`
}

// SensorSample is a single raw measurement delivered by a client.
type SensorSample struct {
	Source      SensorSource    `json:"source"`
	TimestampNs int64           `json:"timestamp_ns"`
	Local       *Position       `json:"local,omitempty"` // SLAM / CV / IMU
	Geo         *GeoPosition    `json:"geo,omitempty"`   // GPS
	Confidence  float64         `json:"confidence"`      // sensor-reported, [0,1]
	Accuracy    float64         `json:"accuracy"`        // meters, 1-sigma
	Beacons     []BeaconReading `json:"beacons,omitempty"`
}

// FusionStrategy names the sensor combination chosen for one fusion step.
type FusionStrategy string

const (
	StrategySlamBleCv    FusionStrategy = "slam_ble_cv"
	StrategySlamBle      FusionStrategy = "slam_ble"
	StrategySlamOnly     FusionStrategy = "slam_only"
	StrategyBleOnly      FusionStrategy = "ble_only"
	StrategyCvAnchor     FusionStrategy = "cv_anchor"
	StrategyGpsOnly      FusionStrategy = "gps_only"
	StrategyFusedHandoff FusionStrategy = "fused_handoff"
)

// Pose is the fused, authoritative position estimate for one user.
type Pose struct {
	UserID   string   `json:"user_id"`
	Position Position `json:"position"`
	// Covariance is the 4x4 covariance of (x, y, z, heading), row-major.
	Covariance [16]float64 `json:"covariance"`
	// Velocity is (vx, vy, vz) in m/s.
	Velocity [3]float64 `json:"velocity"`
	Heading  float64    `json:"heading"` // degrees, 0 = north, clockwise
	// SourceWeights are the contributing-source weights, summing to 1.
	SourceWeights map[SensorSource]float64 `json:"source_weights"`
	Confidence    float64                  `json:"confidence"` // [0.1, 1.0]
	Frame         Frame                    `json:"frame"`
	Strategy      FusionStrategy           `json:"strategy"`
}

// NodeKind classifies a navigation node.
type NodeKind string

const (
	NodeWalkway    NodeKind = "walkway"
	NodeGate       NodeKind = "gate"
	NodeElevator   NodeKind = "elevator"
	NodeEscalator  NodeKind = "escalator"
	NodeStairs     NodeKind = "stairs"
	NodeEntrance   NodeKind = "entrance"
	NodePOIAnchor  NodeKind = "poi_anchor"
	NodeTransition NodeKind = "transition"
)

// Accessibility holds the static accessibility flags of a node.
type Accessibility struct {
	Wheelchair     bool `json:"wheelchair"`
	ElevatorAccess bool `json:"elevator_access"`
	Braille        bool `json:"braille"`
}

// Node is a vertex of the navigation graph.
type Node struct {
	ID            string        `json:"id"`
	Position      Position      `json:"position"`
	Kind          NodeKind      `json:"kind"`
	Accessibility Accessibility `json:"accessibility"`
	Name          string        `json:"name"`
}

// TraversalMode is the movement mode of an edge.
type TraversalMode string

const (
	ModeWalk          TraversalMode = "walk"
	ModeElevator      TraversalMode = "elevator"
	ModeEscalator     TraversalMode = "escalator"
	ModeMovingWalkway TraversalMode = "moving_walkway"
	ModeStairs        TraversalMode = "stairs"
)

// EdgeStatus is the live operational status of an edge.
type EdgeStatus string

const (
	EdgeOperational EdgeStatus = "operational"
	EdgeDegraded    EdgeStatus = "degraded"
	EdgeClosed      EdgeStatus = "closed"
	EdgeMaintenance EdgeStatus = "maintenance"
)

// Edge constraint tags.
const (
	ConstraintWheelchairInaccessible = "wheelchair_inaccessible"
	ConstraintNoLuggage              = "no_luggage"
	ConstraintStaffOnly              = "staff_only"
)

// Edge is a directed connection between two nodes.
type Edge struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Distance      float64       `json:"distance"`       // meters
	EstimatedTime float64       `json:"estimated_time"` // seconds, base traversal
	Mode          TraversalMode `json:"mode"`
	Status        EdgeStatus    `json:"status"`
	Constraints   []string      `json:"constraints,omitempty"`
	// DynamicWeight multiplies the base cost; derived from crowd density
	// and hazards. 1.0 means unmodified.
	DynamicWeight float64 `json:"dynamic_weight"`
	// AccessibilityScore in [0,1]; 1 is fully accessible.
	AccessibilityScore float64 `json:"accessibility_score"`
}

// HasConstraint reports whether the edge carries the given constraint tag.
func (e *Edge) HasConstraint(tag string) bool {
	for _, c := range e.Constraints {
		if c == tag {
			return true
		}
	}
	return false
}

// RouteCriterion selects the primary optimization target.
type RouteCriterion string

const (
	CriterionShortest   RouteCriterion = "shortest"
	CriterionFastest    RouteCriterion = "fastest"
	CriterionAccessible RouteCriterion = "accessible"
	CriterionSafest     RouteCriterion = "safest"
)

// RouteOptions is the optimization request for one route computation.
type RouteOptions struct {
	Criterion RouteCriterion `json:"criterion"`
	// Weights in [0,1] blend the secondary cost terms.
	DistanceWeight      float64 `json:"distance_weight"`
	TimeWeight          float64 `json:"time_weight"`
	AccessibilityWeight float64 `json:"accessibility_weight"`
	SafetyWeight        float64 `json:"safety_weight"`
	// Constraints.
	WheelchairRequired bool    `json:"wheelchair_required"`
	ElevatorOnly       bool    `json:"elevator_only"`
	MaxWalkingDistance float64 `json:"max_walking_distance"` // meters, 0 = unlimited
}

// InstructionKind classifies one turn-by-turn instruction.
type InstructionKind string

const (
	InstrStart       InstructionKind = "start"
	InstrContinue    InstructionKind = "continue"
	InstrTurnLeft    InstructionKind = "turn_left"
	InstrTurnRight   InstructionKind = "turn_right"
	InstrFloorChange InstructionKind = "floor_change"
	InstrFacilityUse InstructionKind = "facility_use"
	InstrArrive      InstructionKind = "arrive"
)

// Instruction is one step of the turn-by-turn list.
type Instruction struct {
	Kind     InstructionKind `json:"kind"`
	NodeID   string          `json:"node_id"`
	Text     string          `json:"text"`
	Distance float64         `json:"distance"` // meters to next instruction
	Mode     TraversalMode   `json:"mode,omitempty"`
	// FloorDelta is set for floor_change / facility_use instructions.
	FloorDelta int `json:"floor_delta,omitempty"`
}

// RouteMetrics are the aggregate metrics of a computed route.
type RouteMetrics struct {
	TotalDistance      float64 `json:"total_distance"` // meters
	EstimatedTime      float64 `json:"estimated_time"` // seconds
	ElevationChange    int     `json:"floor_change"`   // net floors
	AccessibilityScore float64 `json:"accessibility_score"`
}

// ComputationMeta records how a route was produced.
type ComputationMeta struct {
	Algorithm     string `json:"algorithm"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExpanded int    `json:"nodes_expanded"`
	GraphVersion  uint64 `json:"graph_version"`
	CacheHit      bool   `json:"cache_hit"`
}

// Route is an immutable snapshot of a computed route.
// Invariant: Edges[i] connects Path[i] to Path[i+1].
type Route struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Path         []string        `json:"path"`  // ordered node IDs
	Edges        []Edge          `json:"edges"` // len(Path)-1 edges
	Metrics      RouteMetrics    `json:"metrics"`
	Instructions []Instruction   `json:"instructions"`
	Meta         ComputationMeta `json:"meta"`
	Options      RouteOptions    `json:"options"`
	CreatedAt    time.Time       `json:"created_at"`
	// Stale marks a route whose re-plan failed; it is still the last
	// known-good guidance but may cross invalidated edges.
	Stale bool `json:"stale,omitempty"`
}

// RouteSessionStatus is the lifecycle state of an active route session.
type RouteSessionStatus string

const (
	RouteActive      RouteSessionStatus = "active"
	RoutePaused      RouteSessionStatus = "paused"
	RouteRecomputing RouteSessionStatus = "recomputing"
	RouteCompleted   RouteSessionStatus = "completed"
	RouteCancelled   RouteSessionStatus = "cancelled"
)
