package domain

import (
	"errors"
	"fmt"
	"math"
)

type CreateSessionRequest struct {
	Source SourceImage `json:"source"`
}

func (r CreateSessionRequest) Validate() error {
	if err := r.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	return nil
}

// BaselineRequest reports the displayed and natural widths of the loaded source.
type BaselineRequest struct {
	DisplayWidth float64 `json:"display_width"`
	NaturalWidth float64 `json:"natural_width"`
}

func (r BaselineRequest) Validate() error {
	if !finitePositive(r.DisplayWidth) {
		return errors.New("display_width must be > 0")
	}
	if !finitePositive(r.NaturalWidth) {
		return errors.New("natural_width must be > 0")
	}
	return nil
}

type PanelRequest struct {
	Panel string `json:"panel"`
}

func (r CropRect) Validate() error {
	for name, v := range map[string]float64{"x": r.X, "y": r.Y, "width": r.Width, "height": r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("crop.%s must be finite", name)
		}
	}
	if r.X < 0 || r.Y < 0 {
		return errors.New("crop origin must not be negative")
	}
	if r.Empty() {
		return errors.New("crop width and height must be > 0")
	}
	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
