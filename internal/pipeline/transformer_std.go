package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdlibTransformer struct{}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, req Request) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	if srcW == 0 || srcH == 0 {
		return nil, nil
	}

	rotated := src
	if needsRotation(req.Geometry.RotationDeg) {
		rotated = transform.Rotate(src, req.Geometry.RotationDeg, &transform.RotationOptions{ResizeBounds: true})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rb := rotated.Bounds()
	rect := cropBounds(req.Geometry, srcW, srcH, rb.Dx(), rb.Dy())
	if rect.Empty() {
		return nil, nil
	}
	cropped := imaging.Crop(rotated, rect.Add(rb.Min))

	w, h := fitWithin(cropped.Bounds().Dx(), cropped.Bounds().Dy(), req.MaxDimension)
	if w != cropped.Bounds().Dx() || h != cropped.Bounds().Dy() {
		cropped = imaging.Resize(cropped, w, h, imaging.Lanczos)
	}
	return cropped, nil
}
