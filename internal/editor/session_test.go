package editor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testSource = domain.SourceImage{Path: "/uploads/2024/harbor.jpg", FileName: "harbor.jpg", Width: 4000, Height: 3000}

func openSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession("sess-1")
	require.NoError(t, s.Open(testSource))
	return s
}

func TestSessionOpenDefaults(t *testing.T) {
	s := NewSession("sess-1")
	assert.Equal(t, domain.SessionClosed, s.Snapshot().State)

	require.NoError(t, s.Open(testSource))
	snap := s.Snapshot()
	assert.Equal(t, domain.SessionOpen, snap.State)
	assert.True(t, snap.Edit.IsZero())
	assert.Equal(t, domain.PanelLight, snap.Panel)
	assert.Equal(t, domain.ExportStatusNone, snap.Export.Status)
	assert.False(t, snap.Geometry.Ready())

	assert.ErrorIs(t, s.Open(testSource), ErrSessionOpen)
	assert.Error(t, NewSession("x").Open(domain.SourceImage{}))
}

func TestSessionEditsClampAndMarkDirty(t *testing.T) {
	s := openSession(t)
	assert.False(t, s.Dirty())

	require.NoError(t, s.Set(domain.FieldExposure, 150))
	assert.Equal(t, 100.0, s.Snapshot().Edit.Exposure)
	assert.True(t, s.Dirty())

	require.NoError(t, s.SetString(domain.FieldContrast, "abc"))
	assert.Zero(t, s.Snapshot().Edit.Contrast)
	require.NoError(t, s.SetString(domain.FieldContrast, " 12.5 "))
	assert.Equal(t, 12.5, s.Snapshot().Edit.Contrast)
}

func TestSessionApplyAllOrNothing(t *testing.T) {
	s := openSession(t)
	err := s.Apply(map[domain.Field]float64{domain.FieldExposure: 20, domain.Field("sharpness"): 5})
	require.Error(t, err)
	assert.True(t, s.Snapshot().Edit.IsZero())

	require.NoError(t, s.Apply(map[domain.Field]float64{domain.FieldExposure: 20, domain.FieldContrast: 10}))
	f := s.Filter()
	assert.Equal(t, 120.0, f.Brightness)
	assert.Equal(t, 110.0, f.Contrast)
}

func TestSessionRotateDrivesZoom(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.Set(domain.FieldRotate, 45))
	assert.Zero(t, s.Snapshot().Geometry.Zoom)

	require.NoError(t, s.CaptureBaseline(1000, 4000))
	assert.InDelta(t, 0.25*ZoomFactor(45), s.Snapshot().Geometry.Zoom, 1e-12)
	assert.ErrorIs(t, s.CaptureBaseline(500, 4000), ErrBaselineCaptured)

	require.NoError(t, s.Set(domain.FieldRotate, 90))
	assert.InDelta(t, 0.25, s.Snapshot().Geometry.Zoom, 1e-12)
}

func TestSessionResetIsIdempotent(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.CaptureBaseline(1000, 4000))
	require.NoError(t, s.Set(domain.FieldRotate, 30))
	require.NoError(t, s.Set(domain.FieldTemp, -40))

	require.NoError(t, s.Reset())
	first := s.Snapshot()
	assert.Equal(t, domain.SessionOpen, first.State)
	assert.True(t, first.Edit.IsZero())
	assert.Zero(t, first.Geometry.RotationDeg)
	assert.Equal(t, 0.25, first.Geometry.Zoom)

	require.NoError(t, s.Reset())
	second := s.Snapshot()
	assert.Equal(t, first.Edit, second.Edit)
	assert.Equal(t, first.Geometry, second.Geometry)
	assert.Equal(t, first.State, second.State)
}

func TestSessionReopenAfterCloseHasDefaults(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.Set(domain.FieldSaturation, 60))
	require.NoError(t, s.CaptureBaseline(800, 4000))
	require.NoError(t, s.SetPanel("geo"))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Set(domain.FieldExposure, 1), ErrSessionClosed)

	require.NoError(t, s.Open(testSource))
	snap := s.Snapshot()
	assert.True(t, snap.Edit.IsZero())
	assert.False(t, snap.Geometry.Ready())
	assert.Equal(t, domain.PanelLight, snap.Panel)
}

func TestSessionSetPanel(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.SetPanel("color"))
	assert.Equal(t, domain.PanelColor, s.Snapshot().Panel)
	require.NoError(t, s.SetPanel(""))
	assert.Empty(t, s.Snapshot().Panel)
	assert.Error(t, s.SetPanel("layers"))
}

func TestSessionExportRequiresCropData(t *testing.T) {
	s := openSession(t)
	_, err := s.BeginExport("exp-1")
	assert.ErrorIs(t, err, ErrNoCropData)
	assert.Equal(t, domain.ExportStatusNone, s.Snapshot().Export.Status)

	_, err = NewSession("closed").BeginExport("exp-1")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionExportSuccessCloses(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.CaptureBaseline(800, 4000))
	require.NoError(t, s.Set(domain.FieldExposure, 20))

	snap, err := s.BeginExport("exp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExportStatusQueued, snap.Export.Status)
	assert.Equal(t, 20.0, snap.Edit.Exposure)

	_, err = s.BeginExport("exp-2")
	assert.ErrorIs(t, err, ErrExportInFlight)
	assert.ErrorIs(t, s.Set(domain.FieldExposure, 30), ErrExportInFlight)
	assert.ErrorIs(t, s.Close(), ErrExportInFlight)

	require.NoError(t, s.FinishExport("exports/sess-1/exp-1.jpg", nil))
	done := s.Snapshot()
	assert.Equal(t, domain.SessionClosed, done.State)
	assert.Equal(t, domain.ExportStatusSucceeded, done.Export.Status)
	assert.Equal(t, "exports/sess-1/exp-1.jpg", done.Export.OutputKey)
	assert.True(t, done.Edit.IsZero())

	assert.ErrorIs(t, s.FinishExport("", nil), ErrNoExportInFlight)
}

func TestSessionExportFailureKeepsEditing(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.CaptureBaseline(800, 4000))
	require.NoError(t, s.Set(domain.FieldTint, 15))

	_, err := s.BeginExport("exp-1")
	require.NoError(t, err)
	require.NoError(t, s.FinishExport("", errors.New("gallery rejected upload")))

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionEditing, snap.State)
	assert.Equal(t, domain.ExportStatusFailed, snap.Export.Status)
	assert.Equal(t, "gallery rejected upload", snap.Export.Error)
	assert.Equal(t, 15.0, snap.Edit.Tint)

	_, err = s.BeginExport("exp-2")
	require.NoError(t, err)
	require.NoError(t, s.FinishExport("", ErrExportCanceled))
	assert.Equal(t, domain.ExportStatusCanceled, s.Snapshot().Export.Status)
	assert.Equal(t, domain.SessionEditing, s.Snapshot().State)
}

func TestRestoreInFlightExport(t *testing.T) {
	s := openSession(t)
	require.NoError(t, s.CaptureBaseline(800, 4000))
	snap, err := s.BeginExport("exp-1")
	require.NoError(t, err)

	restored := Restore(snap)
	_, err = restored.BeginExport("exp-2")
	assert.ErrorIs(t, err, ErrExportInFlight)
	require.NoError(t, restored.FinishExport("key", nil))
	assert.Equal(t, domain.SessionClosed, restored.Snapshot().State)
}

func TestSessionConcurrentExportsAdmitOne(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := openSession(t)
	require.NoError(t, s.CaptureBaseline(800, 4000))

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.BeginExport("exp")
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrExportInFlight):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(31), rejected.Load())
}
