package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Recipe is a saved edit: slider values, an optional crop in rotated-image
// pixels and output settings.
type Recipe struct {
	domain.EditState `yaml:",inline"`

	Crop         *domain.CropRect `yaml:"crop,omitempty"`
	Quality      int              `yaml:"quality,omitempty"`
	MaxDimension int              `yaml:"max_dimension,omitempty"`
}

// ParseRecipe decodes a YAML recipe. Unknown keys are rejected and slider
// values are clamped into range.
func ParseRecipe(r io.Reader) (Recipe, error) {
	var rec Recipe
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rec); err != nil && !errors.Is(err, io.EOF) {
		return Recipe{}, fmt.Errorf("decode recipe: %w", err)
	}
	rec.EditState = rec.EditState.Clamped()
	if rec.Crop != nil {
		if err := rec.Crop.Validate(); err != nil {
			return Recipe{}, fmt.Errorf("recipe crop: %w", err)
		}
	}
	if rec.Quality < 0 || rec.Quality > 100 {
		return Recipe{}, fmt.Errorf("recipe quality %d out of range 1-100", rec.Quality)
	}
	if rec.MaxDimension < 0 {
		return Recipe{}, errors.New("recipe max_dimension must not be negative")
	}
	return rec, nil
}

func LoadRecipe(path string) (Recipe, error) {
	if path == "" {
		return Recipe{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()
	return ParseRecipe(f)
}

// ParseCrop reads "x,y,w,h".
func ParseCrop(raw string) (*domain.CropRect, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("crop %q: want x,y,w,h", raw)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("crop %q: %w", raw, err)
		}
		vals[i] = v
	}
	rect := &domain.CropRect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
	if err := rect.Validate(); err != nil {
		return nil, fmt.Errorf("crop %q: %w", raw, err)
	}
	return rect, nil
}

// addRecipeFlags registers --recipe and one flag per slider.
func addRecipeFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("recipe", "r", "", "YAML recipe file")
	for _, f := range domain.Fields {
		cmd.Flags().Float64(string(f), 0, fmt.Sprintf("Override the recipe's %s value", f))
	}
}

// recipeFromFlags loads --recipe and applies any slider flags the user set.
func recipeFromFlags(cmd *cobra.Command) (Recipe, error) {
	path, _ := cmd.Flags().GetString("recipe")
	rec, err := LoadRecipe(path)
	if err != nil {
		return Recipe{}, err
	}
	for _, f := range domain.Fields {
		if !cmd.Flags().Changed(string(f)) {
			continue
		}
		v, _ := cmd.Flags().GetFloat64(string(f))
		if rec.EditState, err = rec.EditState.With(f, v); err != nil {
			return Recipe{}, err
		}
	}
	return rec, nil
}
