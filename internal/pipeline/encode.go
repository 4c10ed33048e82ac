package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer

	switch normalizeOutputFormat(format) {
	case "png":
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// DataURL renders data as a data URL of the given output format.
func DataURL(format string, data []byte) string {
	return "data:" + contentTypeForFormat(format) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Swatch is the average color of img as a hex string, averaged in linear RGB.
func Swatch(img image.Image) string {
	b := img.Bounds()
	if b.Empty() {
		return ""
	}

	// Sample on a grid of roughly 64×64 points.
	stepX := max(1, b.Dx()/64)
	stepY := max(1, b.Dy()/64)

	var r, g, bl float64
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				continue
			}
			lr, lg, lb := c.LinearRgb()
			r, g, bl = r+lr, g+lg, bl+lb
			n++
		}
	}
	if n == 0 {
		return ""
	}
	return colorful.LinearRgb(r/float64(n), g/float64(n), bl/float64(n)).Clamped().Hex()
}
