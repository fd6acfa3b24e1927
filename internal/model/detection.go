package model

import "time"

// PresenceFlags are the coarse PPE signals the fast detector attaches to a
// person. HelmetAbsent is the detector's explicit "no helmet" class, which is
// distinct from simply not finding a helmet.
type PresenceFlags struct {
	Helmet       bool `json:"helmet"`
	Vest         bool `json:"vest"`
	HelmetAbsent bool `json:"no_helmet"`
}

// Detection is one person found by the fast detector in a single frame.
type Detection struct {
	BBox       []float64     `json:"bbox"`
	Confidence float64       `json:"confidence"`
	Flags      PresenceFlags `json:"flags"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Box parses the detection's coordinates.
func (d Detection) Box() (BBox, bool) {
	return ParseBBox(d.BBox)
}

// ViolationType names which PPE items a worker is missing.
type ViolationType string

const (
	ViolationNone        ViolationType = "none"
	ViolationNoHelmet    ViolationType = "no_helmet"
	ViolationNoVest      ViolationType = "no_vest"
	ViolationBothMissing ViolationType = "both_missing"
)

// ClassifyViolation maps presence of each item to a violation type.
func ClassifyViolation(hasHelmet, hasVest bool) ViolationType {
	switch {
	case hasHelmet && hasVest:
		return ViolationNone
	case !hasHelmet && !hasVest:
		return ViolationBothMissing
	case !hasHelmet:
		return ViolationNoHelmet
	default:
		return ViolationNoVest
	}
}

// IsViolation reports whether v names a missing item.
func (v ViolationType) IsViolation() bool {
	return v == ViolationNoHelmet || v == ViolationNoVest || v == ViolationBothMissing
}

// ParseViolationType accepts only the three violation kinds.
func ParseViolationType(s string) (ViolationType, bool) {
	v := ViolationType(s)
	return v, v.IsViolation()
}

// DecisionPath is the routing outcome for one detected person.
type DecisionPath string

const (
	PathFastSafe      DecisionPath = "Fast Safe"
	PathFastViolation DecisionPath = "Fast Violation"
	PathRescueHead    DecisionPath = "Rescue Head"
	PathRescueBody    DecisionPath = "Rescue Body"
	PathCritical      DecisionPath = "Critical"
)

// AllPaths lists decision paths in routing order.
var AllPaths = []DecisionPath{
	PathFastSafe,
	PathFastViolation,
	PathRescueHead,
	PathRescueBody,
	PathCritical,
}

// Region is a sub-area of a person box handed to the slow verifier.
type Region string

const (
	RegionHead  Region = "head"
	RegionTorso Region = "torso"
)

// Target is the PPE item a region is checked for.
func (r Region) Target() string {
	if r == RegionHead {
		return "helmet"
	}
	return "vest"
}
