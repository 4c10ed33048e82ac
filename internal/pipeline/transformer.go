package pipeline

import (
	"image"
	"math"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/editor"
)

func normalizeOutputFormat(format string) string {
	switch format {
	case "png":
		return "png"
	default:
		return "jpeg"
	}
}

func extensionForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return "png"
	}
	return "jpg"
}

func contentTypeForFormat(format string) string {
	if normalizeOutputFormat(format) == "png" {
		return "image/png"
	}
	return "image/jpeg"
}

// needsRotation is false for whole turns, which leave pixels in place.
func needsRotation(deg float64) bool {
	return math.Mod(deg, 360) != 0
}

// cropBounds maps the session geometry onto a rotated image of rotW×rotH
// pixels made from a srcW×srcH source. The result is clipped to the rotated
// image and may be empty.
func cropBounds(g domain.Geometry, srcW, srcH, rotW, rotH int) image.Rectangle {
	var c domain.CropRect
	if g.Crop != nil && !g.Crop.Empty() {
		c = *g.Crop
	} else {
		c = editor.FrameCrop(float64(srcW), float64(srcH), g.RotationDeg)
		// Rotation libraries round the expanded bounds; keep the frame centered
		// in the bounds they actually produced.
		bw, bh := editor.RotatedBounds(float64(srcW), float64(srcH), g.RotationDeg)
		c.X += (float64(rotW) - bw) / 2
		c.Y += (float64(rotH) - bh) / 2
	}

	r := image.Rect(
		int(math.Round(c.X)),
		int(math.Round(c.Y)),
		int(math.Round(c.X+c.Width)),
		int(math.Round(c.Y+c.Height)),
	)
	return r.Intersect(image.Rect(0, 0, rotW, rotH))
}

// fitWithin returns the size of w×h scaled down to fit maxDim on its longer
// side. Sizes already within maxDim, or maxDim <= 0, are returned unchanged.
func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, int(math.Round(float64(h)*float64(maxDim)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(maxDim)/float64(h)))), maxDim
}
