package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/darkroom/internal/domain"
)

// ObjectStore is the subset of the storage client the object stages use.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if req.Source.SourceType() != domain.SourceTypeObject {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.Source.SourceType())
	}
	return f.Storage.ReadObject(ctx, strings.TrimPrefix(req.Source.Path, "/"))
}

// ImageFetcher downloads a gallery image by its stored path.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imagePath string) ([]byte, error)
}

type GalleryFetcher struct {
	Gallery ImageFetcher
}

func (f GalleryFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Gallery == nil {
		return nil, errors.New("gallery client is required")
	}
	if req.Source.SourceType() != domain.SourceTypeGallery {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.Source.SourceType())
	}
	data, err := f.Gallery.FetchImage(ctx, req.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("fetch gallery image %s: %w", req.Source.Path, err)
	}
	return data, nil
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := ExportKey(e.OutputPrefix, req.SessionID, req.ExportID, format)
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return Output{}, err
	}

	return Output{
		Key:    objectKey,
		Format: normalizeOutputFormat(format),
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

// ExportKey is the object key of a baked export: {prefix}/{session}/{export}.{ext}.
func ExportKey(prefix, sessionID, exportID, format string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(sessionID),
		fmt.Sprintf("%s.%s", sanitizePathToken(exportID), extensionForFormat(format)),
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "exports"
	}
	return prefix
}
