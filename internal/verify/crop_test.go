package verify

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
)

func TestCrop(t *testing.T) {
	t.Parallel()
	f := image.NewRGBA(image.Rect(0, 0, 640, 480))

	tests := []struct {
		name    string
		box     model.BBox
		maxSide int
		ok      bool
		size    image.Point
	}{
		{"inside", model.BBox{100, 50, 200, 170}, 640, true, image.Pt(100, 120)},
		{"clipped to frame", model.BBox{600, 400, 700, 520}, 640, true, image.Pt(40, 80)},
		{"too small", model.BBox{0, 0, 19, 100}, 640, false, image.Point{}},
		{"outside", model.BBox{700, 500, 800, 600}, 640, false, image.Point{}},
		{"downscaled", model.BBox{0, 0, 400, 200}, 100, true, image.Pt(100, 50)},
		{"no limit", model.BBox{0, 0, 400, 200}, 0, true, image.Pt(400, 200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop, ok := Crop(f, tt.box, 20, tt.maxSide)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.size, crop.Bounds().Size())
			}
		})
	}
}

func TestCopyFrame(t *testing.T) {
	t.Parallel()
	src := image.NewNRGBA(image.Rect(10, 10, 20, 20))
	src.Set(12, 13, color.NRGBA{G: 255, A: 255})

	dst := CopyFrame(src)
	assert.Equal(t, src.Bounds(), dst.Bounds())
	assert.Equal(t, color.RGBA{G: 255, A: 255}, dst.RGBAAt(12, 13))

	src.Set(12, 13, color.NRGBA{R: 255, A: 255})
	assert.Equal(t, color.RGBA{G: 255, A: 255}, dst.RGBAAt(12, 13))
}

func TestPrompts(t *testing.T) {
	t.Parallel()
	assert.Contains(t, Prompts(model.RegionHead), "hard hat")
	assert.Contains(t, Prompts(model.RegionTorso), "safety vest")
}

func TestGuarded(t *testing.T) {
	t.Parallel()
	calls := 0
	inner := VerifierFunc(func(context.Context, image.Image, model.Region) (Finding, error) {
		calls++
		return Finding{}, errors.New("bad crop")
	})
	g := resilience.NewGuard(resilience.GuardConfig{
		Name:    "test",
		Breaker: resilience.BreakerConfig{Failures: 1, CoolOff: time.Hour},
	})
	v := Guarded(inner, g)
	crop := image.NewRGBA(image.Rect(0, 0, 30, 30))

	_, err := v.VerifyRegion(context.Background(), crop, model.RegionHead)
	require.Error(t, err)
	_, err = v.VerifyRegion(context.Background(), crop, model.RegionHead)
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, 1, calls)
}
