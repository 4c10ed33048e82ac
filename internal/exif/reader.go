// Package exif reads camera metadata from source images through exiftool.
package exif

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	"github.com/dunamismax/darkroom/internal/domain"
	"go.uber.org/zap"
)

const exifDate = "2006:01:02 15:04:05"

// Reader wraps one long-lived exiftool process. The process handles one file
// at a time, so calls are serialized.
type Reader struct {
	mu     sync.Mutex
	et     *exiftool.Exiftool
	logger *zap.Logger
	now    func() time.Time
}

func NewReader(logger *zap.Logger) (*Reader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &Reader{et: et, logger: logger.Named("exif"), now: time.Now}, nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.et.Close()
}

// Read describes the file at path as a local editing source.
func (r *Reader) Read(path string) (domain.SourceImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.SourceImage{}, fmt.Errorf("stat %s: %w", path, err)
	}

	r.mu.Lock()
	fms := r.et.ExtractMetadata(path)
	r.mu.Unlock()
	if len(fms) == 0 {
		return domain.SourceImage{}, errors.New("exiftool returned no metadata")
	}
	if fms[0].Err != nil {
		return domain.SourceImage{}, fmt.Errorf("extract metadata for %q: %w", path, fms[0].Err)
	}

	meta := Metadata(fms[0], info.ModTime(), r.now())
	r.logger.Debug("read metadata",
		zap.String("path", path),
		zap.String("camera", meta.CameraModel),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
	)

	return domain.SourceImage{
		Type:     domain.SourceTypeLocalFile,
		Path:     path,
		FileName: filepath.Base(path),
		Width:    meta.Width,
		Height:   meta.Height,
		Metadata: &meta,
	}, nil
}

// Metadata maps exiftool fields onto the gallery metadata shape.
func Metadata(fm exiftool.FileMetadata, modTime, now time.Time) domain.Metadata {
	var m domain.Metadata

	model, _ := fm.GetString("Model")
	maker, _ := fm.GetString("Make")
	m.CameraModel = cameraModel(maker, model)

	if w, err := fm.GetInt("ImageWidth"); err == nil {
		m.Width = int(w)
	}
	if h, err := fm.GetInt("ImageHeight"); err == nil {
		m.Height = int(h)
	}

	shot := ShootTime(captureTime(fm), modTime, now)
	m.ShootTime = shot.UnixMilli()
	return m
}

// cameraModel joins make and model unless the model already names the maker.
func cameraModel(maker, model string) string {
	maker, model = strings.TrimSpace(maker), strings.TrimSpace(model)
	switch {
	case model == "":
		return maker
	case maker == "" || strings.HasPrefix(strings.ToLower(model), strings.ToLower(maker)):
		return model
	default:
		return maker + " " + model
	}
}

// captureTime reads DateTimeOriginal, then CreateDate. OffsetTimeOriginal is
// applied when present; otherwise the time is taken as local.
func captureTime(fm exiftool.FileMetadata) time.Time {
	loc := time.Local
	if off, err := fm.GetString("OffsetTimeOriginal"); err == nil {
		if t, err := time.Parse("-07:00", strings.TrimSpace(off)); err == nil {
			loc = t.Location()
		}
	}

	for _, key := range []string{"DateTimeOriginal", "CreateDate"} {
		raw, err := fm.GetString(key)
		if err != nil {
			continue
		}
		if t, err := time.ParseInLocation(exifDate, strings.TrimSpace(raw), loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ShootTime picks the capture time of a photo. An EXIF time more than a
// minute in the future is a double-shifted timezone and is discarded in favor
// of the file modification time; a result still in the future becomes now.
func ShootTime(exifTime, modTime, now time.Time) time.Time {
	threshold := now.Add(time.Minute)

	t := exifTime
	if t.After(threshold) {
		t = time.Time{}
	}
	if t.IsZero() {
		t = modTime
	}
	if t.IsZero() || t.After(threshold) {
		t = now
	}
	return t
}
