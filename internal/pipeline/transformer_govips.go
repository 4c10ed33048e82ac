//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, req Request) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return nil, fmt.Errorf("auto-orient image: %w", err)
	}
	srcW, srcH := img.Width(), img.Height()
	if srcW == 0 || srcH == 0 {
		return nil, nil
	}

	if needsRotation(req.Geometry.RotationDeg) {
		// vips rotates clockwise and grows the canvas to the rotated bounds.
		if err := img.Similarity(1, req.Geometry.RotationDeg, &vips.ColorRGBA{}, 0, 0, 0, 0); err != nil {
			return nil, fmt.Errorf("rotate image: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rect := cropBounds(req.Geometry, srcW, srcH, img.Width(), img.Height())
	if rect.Empty() {
		return nil, nil
	}
	if err := img.ExtractArea(rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy()); err != nil {
		return nil, fmt.Errorf("crop image: %w", err)
	}

	w, _ := fitWithin(img.Width(), img.Height(), req.MaxDimension)
	if w != img.Width() {
		if err := img.Resize(float64(w)/float64(img.Width()), vips.KernelLanczos3); err != nil {
			return nil, fmt.Errorf("resize image: %w", err)
		}
	}

	out, err := img.ToImage(vips.NewDefaultPNGExportParams())
	if err != nil {
		return nil, fmt.Errorf("export image: %w", err)
	}
	return out, nil
}
