package domain

import (
	"errors"
	"path"
	"strings"
	"time"
)

const (
	SourceTypeGallery   = "gallery"
	SourceTypeLocalFile = "local_file"
	SourceTypeObject    = "object"
)

// Metadata is the descriptive data the gallery keeps for a photo.
type Metadata struct {
	CameraModel  string `json:"cameraModel,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ShootTime    int64  `json:"shootTime,omitempty"`
	LocationName string `json:"locationName,omitempty"`
}

// ShotAt returns the capture time, or the zero time when unknown.
func (m Metadata) ShotAt() time.Time {
	if m.ShootTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.ShootTime).UTC()
}

// SourceImage identifies the photo being edited. It is never mutated by the editor.
type SourceImage struct {
	Type     string    `json:"type,omitempty"`
	Path     string    `json:"path"`
	FileName string    `json:"fileName,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

func (s SourceImage) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("source.path is required")
	}
	switch s.SourceType() {
	case SourceTypeGallery, SourceTypeLocalFile, SourceTypeObject:
	default:
		return errors.New("unsupported source.type: " + s.Type)
	}
	if s.Width < 0 || s.Height < 0 {
		return errors.New("source dimensions must not be negative")
	}
	if m := s.Metadata; m != nil && (m.Width < 0 || m.Height < 0) {
		return errors.New("source.metadata dimensions must not be negative")
	}
	return nil
}

// SourceType defaults to the gallery collaborator.
func (s SourceImage) SourceType() string {
	t := strings.ToLower(strings.TrimSpace(s.Type))
	if t == "" {
		return SourceTypeGallery
	}
	return t
}

// NaturalSize returns the pixel dimensions, falling back to metadata.
func (s SourceImage) NaturalSize() (int, int) {
	if s.Width > 0 && s.Height > 0 {
		return s.Width, s.Height
	}
	if s.Metadata != nil {
		return s.Metadata.Width, s.Metadata.Height
	}
	return 0, 0
}

// DisplayName is the file name, derived from the path when absent.
func (s SourceImage) DisplayName() string {
	if name := strings.TrimSpace(s.FileName); name != "" {
		return name
	}
	if base := path.Base(s.Path); base != "." && base != "/" {
		return base
	}
	return "unknown.jpg"
}
