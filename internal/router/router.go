// Package router maps a fast detection's coarse PPE signals to one of five
// decision paths and decides whether slow verification must run.
package router

import "github.com/Shezan57/intelligent-ppe-monitoring/internal/model"

// Decision is the provisional verdict for one person.
type Decision struct {
	HasHelmet         bool               `json:"has_helmet"`
	HasVest           bool               `json:"has_vest"`
	Path              model.DecisionPath `json:"decision_path"`
	NeedsVerification bool               `json:"needs_verification"`

	// Regions lists the ROIs the verifier must inspect, empty when
	// NeedsVerification is false.
	Regions []model.Region `json:"regions,omitempty"`
}

// Route applies the five rules in order; the first match wins. With
// verification disabled the uncertain paths collapse to an immediate
// violation built from the raw flags.
func Route(flags model.PresenceFlags, verificationEnabled bool) Decision {
	if flags.Helmet && flags.Vest {
		return Decision{HasHelmet: true, HasVest: true, Path: model.PathFastSafe}
	}

	// The explicit absence class is trusted as ground truth.
	if flags.HelmetAbsent {
		return Decision{HasHelmet: false, HasVest: flags.Vest, Path: model.PathFastViolation}
	}

	if !verificationEnabled {
		return Decision{HasHelmet: flags.Helmet, HasVest: flags.Vest, Path: model.PathFastViolation}
	}

	switch {
	case flags.Vest && !flags.Helmet:
		return Decision{
			HasVest:           true,
			Path:              model.PathRescueHead,
			NeedsVerification: true,
			Regions:           []model.Region{model.RegionHead},
		}
	case flags.Helmet && !flags.Vest:
		return Decision{
			HasHelmet:         true,
			Path:              model.PathRescueBody,
			NeedsVerification: true,
			Regions:           []model.Region{model.RegionTorso},
		}
	default:
		return Decision{
			Path:              model.PathCritical,
			NeedsVerification: true,
			Regions:           []model.Region{model.RegionHead, model.RegionTorso},
		}
	}
}

// ViolationType is the fast verdict's violation type.
func (d Decision) ViolationType() model.ViolationType {
	return model.ClassifyViolation(d.HasHelmet, d.HasVest)
}

// IsViolation reports whether the fast verdict flags the person.
func (d Decision) IsViolation() bool {
	return d.ViolationType().IsViolation()
}

// Bypassed reports whether the person was resolved without slow verification.
func (d Decision) Bypassed() bool {
	return !d.NeedsVerification
}
