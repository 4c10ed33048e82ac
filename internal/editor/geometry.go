package editor

import (
	"errors"
	"math"

	"github.com/dunamismax/darkroom/internal/domain"
)

var (
	ErrBaselineCaptured = errors.New("baseline scale already captured")
	ErrInvalidBaseline  = errors.New("baseline widths must be positive")
)

// ZoomFactor is the minimal scale-up that keeps a frame rotated by deg
// degrees covering the unrotated frame: |cos θ| + |sin θ|.
func ZoomFactor(deg float64) float64 {
	rad := deg * math.Pi / 180
	return math.Abs(math.Cos(rad)) + math.Abs(math.Sin(rad))
}

// Geometry tracks rotation and zoom relative to the baseline scale captured
// when the source finished loading.
type Geometry struct {
	g domain.Geometry
}

func NewGeometry(g domain.Geometry) *Geometry {
	return &Geometry{g: g}
}

// Snapshot returns the current state.
func (e *Geometry) Snapshot() domain.Geometry {
	out := e.g
	if e.g.Crop != nil {
		c := *e.g.Crop
		out.Crop = &c
	}
	return out
}

// CaptureBaseline records displayWidth/naturalWidth as the baseline. It may
// only succeed once; Clear is the only way to capture again.
func (e *Geometry) CaptureBaseline(displayWidth, naturalWidth float64) error {
	if e.g.BaselineScale > 0 {
		return ErrBaselineCaptured
	}
	if !(displayWidth > 0) || !(naturalWidth > 0) || math.IsInf(displayWidth, 0) || math.IsInf(naturalWidth, 0) {
		return ErrInvalidBaseline
	}
	e.g.BaselineScale = displayWidth / naturalWidth
	e.g.Zoom = e.g.BaselineScale * ZoomFactor(e.g.RotationDeg)
	return nil
}

// Rotate sets the rotation and, once a baseline exists, rescales the zoom so
// the rotated image keeps filling the frame. Without a baseline the zoom is
// left alone.
func (e *Geometry) Rotate(deg float64) {
	e.g.RotationDeg = deg
	if e.g.BaselineScale <= 0 {
		return
	}
	e.g.Zoom = e.g.BaselineScale * ZoomFactor(deg)
}

// SetCrop replaces the explicit crop rectangle; nil falls back to FrameCrop.
func (e *Geometry) SetCrop(r *domain.CropRect) {
	if r == nil {
		e.g.Crop = nil
		return
	}
	c := *r
	e.g.Crop = &c
}

// Reset re-homes rotation to 0 and zoom to the baseline.
func (e *Geometry) Reset() {
	e.g.RotationDeg = 0
	e.g.Zoom = e.g.BaselineScale
	e.g.Crop = nil
}

// Clear forgets everything, including the baseline.
func (e *Geometry) Clear() {
	e.g = domain.Geometry{}
}

// RotatedBounds is the bounding box of a w×h image rotated by deg.
func RotatedBounds(w, h, deg float64) (float64, float64) {
	rad := deg * math.Pi / 180
	c, s := math.Abs(math.Cos(rad)), math.Abs(math.Sin(rad))
	return w*c + h*s, w*s + h*c
}

// FrameCrop returns the crop, in rotated-image pixels, that the original w×h
// frame covers after rotation and zoom compensation: a w/zf × h/zf rectangle
// centered in the rotated bounding box.
func FrameCrop(w, h, deg float64) domain.CropRect {
	zf := ZoomFactor(deg)
	bw, bh := RotatedBounds(w, h, deg)
	cw, ch := w/zf, h/zf
	return domain.CropRect{
		X:      (bw - cw) / 2,
		Y:      (bh - ch) / 2,
		Width:  cw,
		Height: ch,
	}
}

// EffectiveCrop is the explicit crop if one is set, else FrameCrop.
func EffectiveCrop(g domain.Geometry, w, h int) domain.CropRect {
	if g.Crop != nil && !g.Crop.Empty() {
		return *g.Crop
	}
	return FrameCrop(float64(w), float64(h), g.RotationDeg)
}
