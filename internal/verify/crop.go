package verify

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
)

// CopyFrame returns a private RGBA copy of img so later mutation by the
// caller cannot reach a queued job.
func CopyFrame(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// Crop cuts box out of frame, clipped to the frame bounds. The crop is
// rejected when its shorter side is under minSide pixels. When maxSide is
// positive, crops whose longer side exceeds it are scaled down keeping the
// aspect ratio.
func Crop(frame *image.RGBA, box model.BBox, minSide, maxSide int) (image.Image, bool) {
	r := box.Rect().Intersect(frame.Bounds())
	if r.Empty() || min(r.Dx(), r.Dy()) < minSide {
		return nil, false
	}
	crop := frame.SubImage(r)

	long := max(r.Dx(), r.Dy())
	if maxSide <= 0 || long <= maxSide {
		return crop, true
	}
	scale := float64(maxSide) / float64(long)
	w := max(1, int(float64(r.Dx())*scale))
	h := max(1, int(float64(r.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), crop, r, draw.Src, nil)
	return dst, true
}
