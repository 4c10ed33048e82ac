// Package pipeline bakes a session's edits into a full-resolution image:
// fetch the source, rotate and crop it, run the filter chain on a second
// buffer, encode and emit the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/dunamismax/darkroom/internal/editor"
)

const DefaultQuality = 90

var (
	ErrUnsupportedSourceType = errors.New("unsupported source type")
	ErrNoCropData            = editor.ErrNoCropData
)

type Request struct {
	ExportID     string
	SessionID    string
	Source       domain.SourceImage
	Edit         domain.EditState
	Geometry     domain.Geometry
	Format       string
	Quality      int
	MaxDimension int
}

// NewRequest builds the bake request for a session snapshot.
func NewRequest(exportID string, s domain.Session) Request {
	return Request{
		ExportID:  exportID,
		SessionID: s.ID,
		Source:    s.Source,
		Edit:      s.Edit,
		Geometry:  s.Geometry,
		Format:    "jpeg",
		Quality:   DefaultQuality,
	}
}

type Output struct {
	Key    string `json:"key"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Swatch string `json:"swatch,omitempty"`
}

type Result struct {
	Output      Output
	Data        []byte
	PixelsBaked int64
	Elapsed     time.Duration
}

// DataURL is the encoded export as a base64 data URL.
func (r Result) DataURL() string {
	return DataURL(r.Output.Format, r.Data)
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Transformer decodes the source and returns the rotated, cropped and
// resampled image. A nil image means there was nothing to crop.
type Transformer interface {
	Transform(ctx context.Context, input []byte, req Request) (image.Image, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}
	return &Processor{fetcher: fetcher, transformer: transformer, emitter: emitter}, nil
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	if strings.TrimSpace(req.ExportID) == "" {
		return Result{}, errors.New("export id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cropped, err := p.transformer.Transform(ctx, sourceBytes, req)
	if err != nil {
		return Result{}, fmt.Errorf("transform stage: %w", err)
	}
	if cropped == nil || cropped.Bounds().Empty() {
		return Result{}, ErrNoCropData
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	baked, err := Bake(cropped, req.Edit)
	if err != nil {
		return Result{}, fmt.Errorf("bake stage: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	format := normalizeOutputFormat(strings.ToLower(strings.TrimSpace(req.Format)))
	data, err := encodeImage(baked, format, req.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode stage: %w", err)
	}

	w, h := baked.Bounds().Dx(), baked.Bounds().Dy()
	out, err := p.emitter.Emit(ctx, req, data, format, w, h)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}
	out.Swatch = Swatch(baked)

	return Result{
		Output:      out,
		Data:        data,
		PixelsBaked: int64(w) * int64(h),
		Elapsed:     time.Since(started),
	}, nil
}

// Bake allocates a second buffer the size of src and writes the filtered
// pixels into it. src is left untouched.
func Bake(src image.Image, edit domain.EditState) (*image.NRGBA, error) {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if err := editor.Derive(edit).Apply(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if req.Source.SourceType() != domain.SourceTypeLocalFile {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.Source.SourceType())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.Source.Path, err)
	}
	return data, nil
}

// SourceFetcher routes a request to the fetcher registered for its source type.
type SourceFetcher map[string]Fetcher

func (f SourceFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	fetcher, ok := f[req.Source.SourceType()]
	if !ok || fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.Source.SourceType())
	}
	return fetcher.Fetch(ctx, req)
}

// LocalFileEmitter writes exports below OutputDir/{session}/{export}.{ext},
// or to OutputDir/FileName when FileName is set.
type LocalFileEmitter struct {
	OutputDir string
	FileName  string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	format = normalizeOutputFormat(format)
	fullPath := filepath.Join(e.OutputDir, e.FileName)
	if strings.TrimSpace(e.FileName) == "" {
		fullPath = filepath.Join(
			e.OutputDir,
			sanitizePathToken(req.SessionID),
			fmt.Sprintf("%s.%s", sanitizePathToken(req.ExportID), extensionForFormat(format)),
		)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Key:    fullPath,
		Format: format,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
