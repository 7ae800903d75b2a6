package model

import "time"

// ZoneSeverity ranks the impact of a hazard zone.
type ZoneSeverity string

const (
	SeverityLow      ZoneSeverity = "low"
	SeverityMedium   ZoneSeverity = "medium"
	SeverityHigh     ZoneSeverity = "high"
	SeverityCritical ZoneSeverity = "critical"
)

// SeverityScore maps a severity to a numeric penalty weight.
func SeverityScore(s ZoneSeverity) float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	}
	return 0
}

// ZoneKind classifies a hazard zone.
type ZoneKind string

const (
	ZoneConstruction ZoneKind = "construction"
	ZoneSecurity     ZoneKind = "security"
	ZoneEmergency    ZoneKind = "emergency"
	ZoneMaintenance  ZoneKind = "maintenance"
	ZoneWeather      ZoneKind = "weather"
	ZoneCapacity     ZoneKind = "capacity"
	ZoneRestricted   ZoneKind = "restricted"
)

// ZoneStatus is the lifecycle state of a zone.
type ZoneStatus string

const (
	ZoneActive   ZoneStatus = "active"
	ZoneInactive ZoneStatus = "inactive"
	ZonePending  ZoneStatus = "pending"
	ZoneResolved ZoneStatus = "resolved"
)

// Ring is a closed polygon ring of local (x, y) vertices on one floor.
// The first and last vertex must be equal.
type Ring [][2]float64

// Polygon is one or more rings on a single floor; ring 0 is the outer
// boundary, further rings are holes.
type Polygon struct {
	Floor int    `json:"floor"`
	Rings []Ring `json:"rings"`
}

// HazardZone is a polygonal area that changes traversability or alerts.
type HazardZone struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Polygons []Polygon    `json:"polygons"`
	Severity ZoneSeverity `json:"severity"`
	Kind     ZoneKind     `json:"kind"`
	Status   ZoneStatus   `json:"status"`
	// ProximityThreshold is the approach-alert distance in meters.
	ProximityThreshold float64 `json:"proximity_threshold"`
	// AlertCooldown is the per-(user, zone) re-alert suppression window.
	AlertCooldown time.Duration `json:"alert_cooldown"`
	ValidFrom     time.Time     `json:"valid_from"`
	ValidUntil    time.Time     `json:"valid_until"` // zero = open-ended
	// BlockedEdges caches the edge IDs intersecting the zone geometry,
	// refreshed on every geometry change.
	BlockedEdges []string  `json:"blocked_edges,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EffectiveAt reports whether the zone is active and inside its window.
func (z *HazardZone) EffectiveAt(t time.Time) bool {
	if z.Status != ZoneActive {
		return false
	}
	if !z.ValidFrom.IsZero() && t.Before(z.ValidFrom) {
		return false
	}
	if !z.ValidUntil.IsZero() && t.After(z.ValidUntil) {
		return false
	}
	return true
}

// AccessLevel grades who may enter a restricted area.
type AccessLevel string

const (
	AccessPublic        AccessLevel = "public"
	AccessRestricted    AccessLevel = "restricted"
	AccessAuthorized    AccessLevel = "authorized_only"
	AccessEmergencyOnly AccessLevel = "emergency_only"
)

// TimeWindow is an open/close pair in minutes since local midnight.
type TimeWindow struct {
	OpenMin  int `json:"open_min"`
	CloseMin int `json:"close_min"`
}

// Schedule is a weekly opening schedule in a named timezone, with
// per-date exceptions overriding the weekday windows.
type Schedule struct {
	Timezone string `json:"timezone"` // IANA name
	// Weekly maps time.Weekday (0=Sunday) to open windows for that day.
	Weekly map[time.Weekday][]TimeWindow `json:"weekly"`
	// Exceptions maps "2006-01-02" dates to override windows; an empty
	// slice means closed all day.
	Exceptions map[string][]TimeWindow `json:"exceptions,omitempty"`
}

// RestrictedArea is a polygonal area with access control.
type RestrictedArea struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Polygons     []Polygon   `json:"polygons"`
	AccessLevel  AccessLevel `json:"access_level"`
	AllowedRoles []string    `json:"allowed_roles,omitempty"`
	Schedule     *Schedule   `json:"schedule,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Calibration is the indoor/outdoor alignment of one transition zone.
type Calibration struct {
	// Affine is a 4x4 homogeneous transform, row-major.
	Affine [16]float64 `json:"affine"`
	// Rotation in degrees about +z, applied after translation.
	Rotation float64 `json:"rotation"`
	// Offset in local meters (x, y, z).
	Offset       [3]float64 `json:"offset"`
	CalibratedAt time.Time  `json:"calibrated_at"`
}

// TransitionZoneKind classifies a transition zone.
type TransitionZoneKind string

const (
	TransitionEntrance TransitionZoneKind = "entrance"
	TransitionExit     TransitionZoneKind = "exit"
	TransitionGateway  TransitionZoneKind = "gateway"
	TransitionHybrid   TransitionZoneKind = "hybrid"
)

// TransitionZone is a calibrated area where indoor and outdoor frames
// overlap and may be fused.
type TransitionZone struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Kind          TransitionZoneKind `json:"kind"`
	IndoorAnchor  Position           `json:"indoor_anchor"`
	OutdoorAnchor GeoPosition        `json:"outdoor_anchor"`
	Radius        float64            `json:"radius"` // meters
	Calibration   Calibration        `json:"calibration"`
	// Switch thresholds.
	GPSMinAccuracy      float64       `json:"gps_min_accuracy"`      // meters
	IndoorMinConfidence float64       `json:"indoor_min_confidence"` // [0,1]
	SwitchTimeout       time.Duration `json:"switch_timeout"`
}
