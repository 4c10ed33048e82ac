package domain

import (
	"fmt"
	"math"
	"strings"
)

// Field names one edit-state slider.
type Field string

const (
	FieldExposure   Field = "exposure"
	FieldContrast   Field = "contrast"
	FieldHighlights Field = "highlights"
	FieldShadows    Field = "shadows"
	FieldTemp       Field = "temp"
	FieldTint       Field = "tint"
	FieldVibrance   Field = "vibrance"
	FieldSaturation Field = "saturation"
	FieldTexture    Field = "texture"
	FieldClarity    Field = "clarity"
	FieldDehaze     Field = "dehaze"
	FieldRotate     Field = "rotate"
)

const (
	AdjustmentMin = -100.0
	AdjustmentMax = 100.0
	RotateMin     = 0.0
	RotateMax     = 360.0
)

// Fields lists every slider in panel order.
var Fields = []Field{
	FieldExposure, FieldContrast, FieldHighlights, FieldShadows,
	FieldTemp, FieldTint, FieldVibrance, FieldSaturation,
	FieldTexture, FieldClarity, FieldDehaze,
	FieldRotate,
}

// ParseField resolves a slider name, case-insensitively.
func ParseField(name string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Fields {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown edit field: %q", name)
}

// EditState is the flat set of adjustment parameters for one editing session.
// The zero value is the default state.
type EditState struct {
	Exposure   float64 `json:"exposure" yaml:"exposure"`
	Contrast   float64 `json:"contrast" yaml:"contrast"`
	Highlights float64 `json:"highlights" yaml:"highlights"`
	Shadows    float64 `json:"shadows" yaml:"shadows"`
	Temp       float64 `json:"temp" yaml:"temp"`
	Tint       float64 `json:"tint" yaml:"tint"`
	Vibrance   float64 `json:"vibrance" yaml:"vibrance"`
	Saturation float64 `json:"saturation" yaml:"saturation"`
	// Texture is collected but has no effect on the derived filter.
	Texture float64 `json:"texture" yaml:"texture"`
	Clarity float64 `json:"clarity" yaml:"clarity"`
	Dehaze  float64 `json:"dehaze" yaml:"dehaze"`
	Rotate  float64 `json:"rotate" yaml:"rotate"`
}

// IsZero reports whether every field holds its default.
func (s EditState) IsZero() bool {
	return s == EditState{}
}

// Get returns the value of a field.
func (s EditState) Get(f Field) float64 {
	if p := s.ptr(f); p != nil {
		return *p
	}
	return 0
}

// With returns a copy of s with f set to the clamped value.
func (s EditState) With(f Field, v float64) (EditState, error) {
	p := s.ptr(f)
	if p == nil {
		return s, fmt.Errorf("unknown edit field: %q", f)
	}
	*p = Clamp(f, v)
	return s, nil
}

// Clamped returns s with every field forced into its range.
func (s EditState) Clamped() EditState {
	out := s
	for _, f := range Fields {
		p := out.ptr(f)
		*p = Clamp(f, *p)
	}
	return out
}

func (s *EditState) ptr(f Field) *float64 {
	switch f {
	case FieldExposure:
		return &s.Exposure
	case FieldContrast:
		return &s.Contrast
	case FieldHighlights:
		return &s.Highlights
	case FieldShadows:
		return &s.Shadows
	case FieldTemp:
		return &s.Temp
	case FieldTint:
		return &s.Tint
	case FieldVibrance:
		return &s.Vibrance
	case FieldSaturation:
		return &s.Saturation
	case FieldTexture:
		return &s.Texture
	case FieldClarity:
		return &s.Clarity
	case FieldDehaze:
		return &s.Dehaze
	case FieldRotate:
		return &s.Rotate
	default:
		return nil
	}
}

// Clamp forces v into the range of f. Non-finite input becomes 0.
func Clamp(f Field, v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	lo, hi := AdjustmentMin, AdjustmentMax
	if f == FieldRotate {
		lo, hi = RotateMin, RotateMax
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
