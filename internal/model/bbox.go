package model

import (
	"image"
	"math"
)

// BBox is an axis-aligned box in pixel coordinates: x1, y1, x2, y2.
type BBox [4]float64

// ParseBBox converts wire coordinates into a BBox. Anything other than
// exactly four coordinates is malformed.
func ParseBBox(coords []float64) (BBox, bool) {
	if len(coords) != 4 {
		return BBox{}, false
	}
	return BBox{coords[0], coords[1], coords[2], coords[3]}, true
}

// Slice returns the box in wire form.
func (b BBox) Slice() []float64 {
	return []float64{b[0], b[1], b[2], b[3]}
}

func (b BBox) Width() float64  { return b[2] - b[0] }
func (b BBox) Height() float64 { return b[3] - b[1] }

// Area is zero for inverted or degenerate boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two boxes in [0, 1].
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b[0], o[0])
	y1 := math.Max(b[1], o[1])
	x2 := math.Min(b[2], o[2])
	y2 := math.Min(b[3], o[3])
	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Smooth blends next into b with an exponential moving average, alpha being
// the weight of the new observation.
func (b BBox) Smooth(next BBox, alpha float64) BBox {
	var out BBox
	for i := range b {
		out[i] = alpha*next[i] + (1-alpha)*b[i]
	}
	return out
}

// HeadROI is the top ratio of the box height.
func (b BBox) HeadROI(ratio float64) BBox {
	return BBox{b[0], b[1], b[2], b[1] + b.Height()*ratio}
}

// TorsoROI runs from start (fraction of height) down to the bottom edge.
func (b BBox) TorsoROI(start float64) BBox {
	return BBox{b[0], b[1] + b.Height()*start, b[2], b[3]}
}

// Rect truncates the box to integer pixel coordinates.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

// ROIGeometry describes how a person box is split into verification regions.
type ROIGeometry struct {
	HeadRatio  float64 `json:"head_roi_ratio"`
	TorsoStart float64 `json:"torso_roi_start"`
}

// DefaultROIGeometry matches the ratios the verification models were tuned on.
func DefaultROIGeometry() ROIGeometry {
	return ROIGeometry{HeadRatio: 0.4, TorsoStart: 0.2}
}

// Region returns the crop of box inspected for the given region.
func (g ROIGeometry) Region(box BBox, r Region) BBox {
	switch r {
	case RegionHead:
		return box.HeadROI(g.HeadRatio)
	case RegionTorso:
		return box.TorsoROI(g.TorsoStart)
	default:
		return box
	}
}
