package domain

import (
	"fmt"
	"strings"
	"time"
)

type SessionState string

const (
	SessionClosed  SessionState = "closed"
	SessionOpen    SessionState = "open"
	SessionEditing SessionState = "editing"
)

// Active reports whether the session accepts edits.
func (s SessionState) Active() bool {
	return s == SessionOpen || s == SessionEditing
}

const (
	PanelLight   = "light"
	PanelColor   = "color"
	PanelEffects = "effects"
	PanelGeo     = "geo"
	PanelInfo    = "info"

	DefaultPanel = PanelLight
)

// ParsePanel accepts a panel group name; the empty string collapses all groups.
func ParsePanel(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", PanelLight, PanelColor, PanelEffects, PanelGeo, PanelInfo:
		return name, nil
	default:
		return "", fmt.Errorf("unknown panel: %q", name)
	}
}

const (
	ExportStatusNone       = "none"
	ExportStatusQueued     = "queued"
	ExportStatusProcessing = "processing"
	ExportStatusSucceeded  = "succeeded"
	ExportStatusFailed     = "failed"
	ExportStatusCanceled   = "canceled"
)

// CropRect is a crop rectangle in natural pixels of the rotated image.
type CropRect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

func (r CropRect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Geometry is the crop/rotate widget state of one session.
type Geometry struct {
	BaselineScale float64   `json:"baseline_scale"`
	RotationDeg   float64   `json:"rotation_deg"`
	Zoom          float64   `json:"zoom"`
	Crop          *CropRect `json:"crop,omitempty"`
}

// Ready reports whether the baseline scale has been captured.
func (g Geometry) Ready() bool {
	return g.BaselineScale > 0
}

type Export struct {
	ID          string    `json:"id,omitempty"`
	Status      string    `json:"status"`
	TaskID      string    `json:"task_id,omitempty"`
	OutputKey   string    `json:"output_key,omitempty"`
	GalleryPath string    `json:"gallery_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// InFlight reports whether an export is queued or running.
func (e Export) InFlight() bool {
	return e.Status == ExportStatusQueued || e.Status == ExportStatusProcessing
}

// Session is the persisted snapshot of one editing session.
type Session struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id,omitempty"`
	State     SessionState `json:"state"`
	Source    SourceImage  `json:"source"`
	Edit      EditState    `json:"edit"`
	Geometry  Geometry     `json:"geometry"`
	Panel     string       `json:"panel"`
	Export    Export       `json:"export"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ExportRecord is one row of the export usage ledger.
type ExportRecord struct {
	UserID        string
	SessionID     string
	ExportID      string
	PixelsBaked   int64
	OutputBytes   int64
	ComputeTimeMS int64
	CreatedAt     time.Time
}
