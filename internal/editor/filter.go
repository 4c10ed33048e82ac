// Package editor holds the non-destructive editing model: the edit-state
// store, the derived filter chain, the rotation-compensated geometry and the
// session lifecycle.
package editor

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/darkroom/internal/domain"
)

// Filter is the derived preview transform. Brightness, Contrast, Saturation,
// Sepia and Grayscale are percentages; HueRotate is in degrees.
type Filter struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Saturation float64 `json:"saturation"`
	Sepia      float64 `json:"sepia"`
	HueRotate  float64 `json:"hue_rotate"`
	Grayscale  float64 `json:"grayscale"`
}

// Derive computes the filter for an edit state. It is a pure function of s;
// texture and rotate do not contribute.
func Derive(s domain.EditState) Filter {
	f := Filter{
		Brightness: 100 + s.Exposure + s.Highlights*-0.3 + s.Shadows*0.3 + s.Dehaze*-0.2,
		Contrast:   100 + s.Contrast + s.Clarity*0.5 + s.Dehaze*0.5,
		Saturation: 100 + s.Saturation + s.Vibrance*0.5 + s.Dehaze*0.3,
		HueRotate:  s.Tint,
	}
	if s.Temp > 0 {
		f.Sepia = s.Temp * 0.4
	}
	if s.Temp < 0 {
		f.HueRotate += s.Temp * 0.2
	}
	if s.Clarity > 0 {
		f.Grayscale = s.Clarity * 0.1
	}
	return f
}

// Identity reports whether the filter leaves pixels unchanged.
func (f Filter) Identity() bool {
	return f == Filter{Brightness: 100, Contrast: 100, Saturation: 100}
}

// CSS renders the chain as a CSS filter value for the live preview.
func (f Filter) CSS() string {
	parts := []string{
		"brightness(" + formatAmount(f.Brightness) + "%)",
		"contrast(" + formatAmount(f.Contrast) + "%)",
		"saturate(" + formatAmount(f.Saturation) + "%)",
		"sepia(" + formatAmount(f.Sepia) + "%)",
		"hue-rotate(" + formatAmount(f.HueRotate) + "deg)",
		"grayscale(" + formatAmount(f.Grayscale) + "%)",
	}
	return strings.Join(parts, " ")
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Stage is one step of the chain as an affine color transform over
// non-premultiplied RGB in [0,1]: out = M[:, :3]·rgb + M[:, 3].
type Stage struct {
	Name   string
	Matrix [3][4]float64
}

// BT.709-derived luminance weights used by the filter-effects matrices.
const (
	lumR = 0.213
	lumG = 0.715
	lumB = 0.072
)

// Stages expands the filter into its six color stages in application order:
// brightness, contrast, saturate, sepia, hue-rotate, grayscale.
func (f Filter) Stages() []Stage {
	return []Stage{
		brightnessStage(nonNegative(f.Brightness) / 100),
		contrastStage(nonNegative(f.Contrast) / 100),
		saturateStage(nonNegative(f.Saturation) / 100),
		sepiaStage(unit(f.Sepia / 100)),
		hueRotateStage(f.HueRotate),
		grayscaleStage(unit(f.Grayscale / 100)),
	}
}

func brightnessStage(a float64) Stage {
	return Stage{Name: "brightness", Matrix: [3][4]float64{
		{a, 0, 0, 0},
		{0, a, 0, 0},
		{0, 0, a, 0},
	}}
}

func contrastStage(a float64) Stage {
	off := 0.5 - 0.5*a
	return Stage{Name: "contrast", Matrix: [3][4]float64{
		{a, 0, 0, off},
		{0, a, 0, off},
		{0, 0, a, off},
	}}
}

func saturateStage(s float64) Stage {
	return Stage{Name: "saturate", Matrix: [3][4]float64{
		{lumR + 0.787*s, lumG - 0.715*s, lumB - 0.072*s, 0},
		{lumR - 0.213*s, lumG + 0.285*s, lumB - 0.072*s, 0},
		{lumR - 0.213*s, lumG - 0.715*s, lumB + 0.928*s, 0},
	}}
}

func sepiaStage(a float64) Stage {
	k := 1 - a
	return Stage{Name: "sepia", Matrix: [3][4]float64{
		{0.393 + 0.607*k, 0.769 - 0.769*k, 0.189 - 0.189*k, 0},
		{0.349 - 0.349*k, 0.686 + 0.314*k, 0.168 - 0.168*k, 0},
		{0.272 - 0.272*k, 0.534 - 0.534*k, 0.131 + 0.869*k, 0},
	}}
}

func hueRotateStage(deg float64) Stage {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return Stage{Name: "hue-rotate", Matrix: [3][4]float64{
		{lumR + c*0.787 - s*0.213, lumG - c*0.715 - s*0.715, lumB - c*0.072 + s*0.928, 0},
		{lumR - c*0.213 + s*0.143, lumG + c*0.285 + s*0.140, lumB - c*0.072 - s*0.283, 0},
		{lumR - c*0.213 - s*0.787, lumG - c*0.715 + s*0.715, lumB + c*0.928 + s*0.072, 0},
	}}
}

func grayscaleStage(a float64) Stage {
	k := 1 - a
	return Stage{Name: "grayscale", Matrix: [3][4]float64{
		{0.2126 + 0.7874*k, 0.7152 - 0.7152*k, 0.0722 - 0.0722*k, 0},
		{0.2126 - 0.2126*k, 0.7152 + 0.2848*k, 0.0722 - 0.0722*k, 0},
		{0.2126 - 0.2126*k, 0.7152 - 0.7152*k, 0.0722 + 0.9278*k, 0},
	}}
}

// Transform runs one color through every stage, clamping after each.
func Transform(stages []Stage, r, g, b float64) (float64, float64, float64) {
	for _, st := range stages {
		m := &st.Matrix
		nr := m[0][0]*r + m[0][1]*g + m[0][2]*b + m[0][3]
		ng := m[1][0]*r + m[1][1]*g + m[1][2]*b + m[1][3]
		nb := m[2][0]*r + m[2][1]*g + m[2][2]*b + m[2][3]
		r, g, b = unit(nr), unit(ng), unit(nb)
	}
	return r, g, b
}

// Apply bakes the filter into dst, reading from src. dst must have the same
// size as src. Alpha is carried through unchanged.
func (f Filter) Apply(dst *image.NRGBA, src image.Image) error {
	sb := src.Bounds()
	db := dst.Bounds()
	if sb.Dx() != db.Dx() || sb.Dy() != db.Dy() {
		return fmt.Errorf("bake buffer size %dx%d does not match source %dx%d", db.Dx(), db.Dy(), sb.Dx(), sb.Dy())
	}

	stages := f.Stages()
	identity := f.Identity()
	for y := 0; y < sb.Dy(); y++ {
		for x := 0; x < sb.Dx(); x++ {
			c := nrgbaAt(src, sb.Min.X+x, sb.Min.Y+y)
			if !identity {
				r, g, b := Transform(stages, float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
				c.R, c.G, c.B = to8(r), to8(g), to8(b)
			}
			dst.SetNRGBA(db.Min.X+x, db.Min.Y+y, c)
		}
	}
	return nil
}

func nrgbaAt(img image.Image, x, y int) color.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n.NRGBAAt(x, y)
	}
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func to8(v float64) uint8 {
	return uint8(math.Round(unit(v) * 255))
}

func unit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
