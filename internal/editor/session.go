package editor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
)

var (
	ErrSessionClosed    = errors.New("editing session is closed")
	ErrSessionOpen      = errors.New("editing session is already open")
	ErrNoCropData       = errors.New("no crop data")
	ErrExportInFlight   = errors.New("an export is already in flight for this session")
	ErrNoExportInFlight = errors.New("no export in flight for this session")
	ErrExportCanceled   = errors.New("export canceled")
)

// Session is one editing session over a single source image. It owns its
// edit state and geometry exclusively; methods are safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	s         domain.Session
	geo       *Geometry
	exporting bool
	resume    domain.SessionState
	now       func() time.Time
}

// NewSession returns a closed session with the given id.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		s: domain.Session{
			ID:        id,
			State:     domain.SessionClosed,
			Export:    domain.Export{Status: domain.ExportStatusNone},
			CreatedAt: now,
			UpdatedAt: now,
		},
		geo: NewGeometry(domain.Geometry{}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Restore rebuilds a session from a persisted snapshot.
func Restore(snap domain.Session) *Session {
	s := &Session{
		s:   snap,
		geo: NewGeometry(snap.Geometry),
		now: func() time.Time { return time.Now().UTC() },
	}
	if snap.Export.InFlight() {
		s.exporting = true
		s.resume = snap.State
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.Session {
	out := s.s
	out.Geometry = s.geo.Snapshot()
	if s.s.Source.Metadata != nil {
		m := *s.s.Source.Metadata
		out.Source.Metadata = &m
	}
	return out
}

// Filter returns the derived filter of the current edit state.
func (s *Session) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Derive(s.s.Edit)
}

// Open starts the session on src with default edits, no baseline and the
// default panel expanded.
func (s *Session) Open(src domain.SourceImage) error {
	if err := src.Validate(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s.State != domain.SessionClosed {
		return ErrSessionOpen
	}
	if s.exporting {
		return ErrExportInFlight
	}

	s.s.Source = src
	s.s.Edit = domain.EditState{}
	s.geo.Clear()
	s.s.Panel = domain.DefaultPanel
	s.s.Export = domain.Export{Status: domain.ExportStatusNone}
	s.s.State = domain.SessionOpen
	s.touch()
	return nil
}

// Set clamps and stores one field. Rotation also drives the geometry.
func (s *Session) Set(field domain.Field, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(field, value)
}

// SetString parses raw like a range input would; unparsable input counts as 0.
func (s *Session) SetString(field domain.Field, raw string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		v = 0
	}
	return s.Set(field, v)
}

// Apply sets several fields at once; either all are stored or none.
func (s *Session) Apply(values map[domain.Field]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}

	next := s.s.Edit
	for f, v := range values {
		var err error
		if next, err = next.With(f, v); err != nil {
			return err
		}
	}
	for _, f := range domain.Fields {
		if _, ok := values[f]; ok {
			if err := s.setLocked(f, next.Get(f)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) setLocked(field domain.Field, value float64) error {
	if err := s.writableLocked(); err != nil {
		return err
	}
	next, err := s.s.Edit.With(field, value)
	if err != nil {
		return err
	}
	s.s.Edit = next
	if field == domain.FieldRotate {
		s.geo.Rotate(next.Rotate)
	}
	s.s.State = domain.SessionEditing
	s.touch()
	return nil
}

func (s *Session) writableLocked() error {
	if !s.s.State.Active() {
		return ErrSessionClosed
	}
	if s.exporting {
		return ErrExportInFlight
	}
	return nil
}

// CaptureBaseline records the display/natural width ratio once per session.
func (s *Session) CaptureBaseline(displayWidth, naturalWidth float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.s.State.Active() {
		return ErrSessionClosed
	}
	if err := s.geo.CaptureBaseline(displayWidth, naturalWidth); err != nil {
		return err
	}
	s.geo.Rotate(s.s.Edit.Rotate)
	s.touch()
	return nil
}

// SetCrop stores an explicit crop rectangle; nil returns to the frame crop.
func (s *Session) SetCrop(r *domain.CropRect) error {
	if r != nil {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	s.geo.SetCrop(r)
	s.s.State = domain.SessionEditing
	s.touch()
	return nil
}

// SetPanel expands one panel group; the empty name collapses all of them.
func (s *Session) SetPanel(name string) error {
	panel, err := domain.ParsePanel(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.s.State.Active() {
		return ErrSessionClosed
	}
	s.s.Panel = panel
	s.touch()
	return nil
}

// Reset restores every field to its default and re-homes the geometry to
// the baseline. The session returns to Open.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	s.s.Edit = domain.EditState{}
	s.geo.Reset()
	s.s.State = domain.SessionOpen
	s.touch()
	return nil
}

// Dirty reports whether the session holds unsaved adjustments.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s.State == domain.SessionEditing
}

// BeginExport marks an export in flight and returns the snapshot to bake.
// At most one export may be in flight per session.
func (s *Session) BeginExport(exportID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.s.State.Active() {
		return domain.Session{}, ErrSessionClosed
	}
	if s.exporting {
		return domain.Session{}, ErrExportInFlight
	}
	if !s.geo.Snapshot().Ready() {
		return domain.Session{}, ErrNoCropData
	}

	s.exporting = true
	s.resume = s.s.State
	s.s.Export = domain.Export{
		ID:          exportID,
		Status:      domain.ExportStatusQueued,
		RequestedAt: s.now(),
	}
	s.touch()
	return s.snapshotLocked(), nil
}

// FinishExport ends the in-flight export. Success closes the session; a
// failure is recorded once and editing may continue.
func (s *Session) FinishExport(outputKey string, exportErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exporting {
		return ErrNoExportInFlight
	}

	s.exporting = false
	s.s.Export.FinishedAt = s.now()
	switch {
	case exportErr == nil:
		s.s.Export.Status = domain.ExportStatusSucceeded
		s.s.Export.OutputKey = outputKey
		s.s.Export.Error = ""
		s.closeLocked()
	case errors.Is(exportErr, ErrExportCanceled):
		s.s.Export.Status = domain.ExportStatusCanceled
		s.s.State = s.resume
	default:
		s.s.Export.Status = domain.ExportStatusFailed
		s.s.Export.Error = exportErr.Error()
		s.s.State = s.resume
	}
	s.touch()
	return nil
}

// Close discards all adjustments. Closing with an export in flight is not
// allowed; cancel the export first.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporting {
		return ErrExportInFlight
	}
	if s.s.State == domain.SessionClosed {
		return nil
	}
	s.closeLocked()
	s.touch()
	return nil
}

func (s *Session) closeLocked() {
	s.s.State = domain.SessionClosed
	s.s.Edit = domain.EditState{}
	s.geo.Clear()
	s.s.Panel = ""
}

func (s *Session) touch() {
	s.s.UpdatedAt = s.now()
}
