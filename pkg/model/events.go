package model

// Topic names a subscription event channel.
type Topic string

const (
	TopicPose           Topic = "pose"
	TopicRoute          Topic = "route"
	TopicInstruction    Topic = "instruction"
	TopicHazardAlert    Topic = "hazard_alert"
	TopicTransition     Topic = "transition"
	TopicFacilityChange Topic = "facility_change"
)

// Event kinds carried in the payload's "kind" field.
const (
	EventPose             = "pose"
	EventPoseLost         = "pose_lost"
	EventPoseReset        = "pose_reset"
	EventRouteUpdated     = "route_updated"
	EventRouteCompleted   = "route_completed"
	EventRouteUnavailable = "route_unavailable"
	EventRouteDeviation   = "route_deviation"
	EventInstruction      = "instruction"
	EventZoneEntered      = "zone_entered"
	EventZoneApproaching  = "zone_approaching"
	EventZoneExited       = "zone_exited"
	EventFrameSwitch      = "frame_switch"
	EventFacilityChange   = "facility_change"
	EventHello            = "hello"
)

// Event is the wire envelope multiplexed to subscribers. Timestamps are
// Unix milliseconds UTC on the wire.
type Event struct {
	Topic       Topic  `json:"topic"`
	UserID      string `json:"user_id,omitempty"`
	TimestampMs int64  `json:"timestamp"`
	Payload     any    `json:"payload"`
}

// HelloPayload is the first frame sent on every stream connection.
type HelloPayload struct {
	Kind            string `json:"kind"`
	ProtocolVersion int    `json:"protocol_version"`
	ServerVersion   string `json:"server_version"`
	GraphVersion    uint64 `json:"graph_version"`
}

// PosePayload carries one fused pose on the pose topic.
type PosePayload struct {
	Kind string `json:"kind"` // pose
	Pose *Pose  `json:"pose"`
}

// HazardAlertPayload is emitted for zone enter/approach/exit events.
type HazardAlertPayload struct {
	Kind     string       `json:"kind"` // zone_entered / zone_approaching / zone_exited
	ZoneID   string       `json:"zone_id"`
	ZoneName string       `json:"zone_name"`
	Severity ZoneSeverity `json:"severity"`
	ZoneKind ZoneKind     `json:"zone_kind"`
	// Distance to the zone boundary in meters; negative inside.
	Distance float64 `json:"distance"`
}

// TransitionPayload is emitted exactly once per frame switch.
type TransitionPayload struct {
	Kind   string `json:"kind"` // frame_switch
	From   Frame  `json:"from"`
	To     Frame  `json:"to"`
	ZoneID string `json:"zone_id,omitempty"`
}

// RoutePayload carries route lifecycle events.
type RoutePayload struct {
	Kind  string `json:"kind"`
	Route *Route `json:"route,omitempty"`
	// Reason is set for route_unavailable / route_deviation.
	Reason string `json:"reason,omitempty"`
}

// InstructionPayload carries the turn-by-turn step that became current
// as route progress advanced.
type InstructionPayload struct {
	Kind        string       `json:"kind"` // instruction
	RouteID     string       `json:"route_id"`
	Index       int          `json:"index"` // position in the route's instruction list
	Instruction *Instruction `json:"instruction"`
}

// FacilityChangePayload mirrors an applied facility status update.
type FacilityChangePayload struct {
	Kind         string     `json:"kind"` // facility_change
	AssetID      string     `json:"asset_id"`
	NewStatus    EdgeStatus `json:"new_status"`
	Reason       string     `json:"reason,omitempty"`
	UpdatedBy    string     `json:"updated_by,omitempty"`
	GraphVersion uint64     `json:"graph_version"`
}

// PoseLostPayload is emitted when a user's filter enters the Lost state.
type PoseLostPayload struct {
	Kind string `json:"kind"` // pose_lost or pose_reset
	// LastConfidence is the confidence of the last emitted pose.
	LastConfidence float64 `json:"last_confidence"`
}
