package verify

import (
	"context"
	"image"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
)

// Finding is a verifier's answer for one region.
type Finding struct {
	Found      bool    `json:"item_found"`
	Confidence float64 `json:"confidence"`
}

// RegionVerifier inspects a cropped region for the PPE item it should hold.
type RegionVerifier interface {
	VerifyRegion(ctx context.Context, crop image.Image, region model.Region) (Finding, error)
}

// VerifierFunc adapts a function to RegionVerifier.
type VerifierFunc func(ctx context.Context, crop image.Image, region model.Region) (Finding, error)

// VerifyRegion calls f.
func (f VerifierFunc) VerifyRegion(ctx context.Context, crop image.Image, region model.Region) (Finding, error) {
	return f(ctx, crop, region)
}

// Stub answers every region with a fixed finding. Used when no verifier
// backend is configured.
type Stub struct {
	Finding Finding
}

// VerifyRegion returns the fixed finding.
func (s Stub) VerifyRegion(context.Context, image.Image, model.Region) (Finding, error) {
	return s.Finding, nil
}

// Prompts lists the text prompts describing the item looked for in a region.
func Prompts(r model.Region) []string {
	if r == model.RegionHead {
		return []string{"helmet", "hard hat", "safety helmet", "construction helmet"}
	}
	return []string{"vest", "safety vest", "high visibility vest", "reflective vest"}
}

type guarded struct {
	next  RegionVerifier
	guard *resilience.Guard
}

// Guarded wraps v so every call goes through g.
func Guarded(v RegionVerifier, g *resilience.Guard) RegionVerifier {
	return &guarded{next: v, guard: g}
}

func (g *guarded) VerifyRegion(ctx context.Context, crop image.Image, region model.Region) (Finding, error) {
	return resilience.Do(ctx, g.guard, func(ctx context.Context) (Finding, error) {
		return g.next.VerifyRegion(ctx, crop, region)
	})
}
