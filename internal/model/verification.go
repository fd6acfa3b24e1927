package model

import "time"

// Correction classifies how the slow verdict relates to the fast one.
type Correction string

const (
	CorrectionNone          Correction = ""
	CorrectionFalsePositive Correction = "false_positive"
	CorrectionFalseNegative Correction = "false_negative"
)

// VerificationResult is the refined verdict for one verification job.
type VerificationResult struct {
	JobID    string `json:"job_id"`
	PersonID int    `json:"person_id"`

	HasHelmet     bool          `json:"has_helmet"`
	HasVest       bool          `json:"has_vest"`
	IsViolation   bool          `json:"is_violation"`
	ViolationType ViolationType `json:"violation_type"`

	LatencyMs float64 `json:"latency_ms"`

	FastWasCorrect       bool `json:"fast_was_correct"`
	FastInitialViolation bool `json:"fast_initial_violation"`

	// Fallback is set when the verifier failed and the fast verdict was
	// carried over unchanged.
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Correction reports whether the slow pass overturned the fast verdict.
func (r VerificationResult) Correction() Correction {
	if r.FastWasCorrect {
		return CorrectionNone
	}
	if r.FastInitialViolation && !r.IsViolation {
		return CorrectionFalsePositive
	}
	if !r.FastInitialViolation && r.IsViolation {
		return CorrectionFalseNegative
	}
	return CorrectionNone
}

// Patch projects the result onto the session fields it owns.
func (r VerificationResult) Patch() VerificationPatch {
	return VerificationPatch{
		HasHelmet:     r.HasHelmet,
		HasVest:       r.HasVest,
		ViolationType: r.ViolationType,
		LatencyMs:     r.LatencyMs,
	}
}
