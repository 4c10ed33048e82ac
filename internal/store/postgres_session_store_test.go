package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *PostgresSessionStore {
	t.Helper()
	dsn := os.Getenv("DARKROOM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DARKROOM_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewPostgresSessionStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresSessionStoreExportLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	sess := newOpenSession(uuid.NewString())
	require.NoError(t, s.Create(ctx, sess))
	assert.ErrorIs(t, s.Create(ctx, sess), ErrSessionExists)

	claimed, err := s.ClaimExport(ctx, sess.ID, domain.Export{ID: "e1", Status: domain.ExportStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, "e1", claimed.Export.ID)

	_, err = s.ClaimExport(ctx, sess.ID, domain.Export{ID: "e2", Status: domain.ExportStatusQueued})
	assert.ErrorIs(t, err, ErrExportInFlight)

	stale := sess
	stale.Edit.Contrast = 10
	assert.ErrorIs(t, s.Save(ctx, stale), ErrExportInFlight)

	_, err = s.UpdateExport(ctx, sess.ID, domain.Export{ID: "e2", Status: domain.ExportStatusFailed})
	assert.ErrorIs(t, err, ErrExportMismatch)

	claimed.Export.Status = domain.ExportStatusSucceeded
	claimed.State = domain.SessionClosed
	require.NoError(t, s.Save(ctx, claimed))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, got.State)
	assert.Equal(t, domain.ExportStatusSucceeded, got.Export.Status)

	_, err = s.ClaimExport(ctx, sess.ID, domain.Export{ID: "e3", Status: domain.ExportStatusQueued})
	assert.ErrorIs(t, err, ErrSessionInactive)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rec := domain.ExportRecord{SessionID: sess.ID, ExportID: uuid.NewString(), PixelsBaked: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.RecordExport(ctx, rec))
	require.NoError(t, s.RecordExport(ctx, rec))
}

func TestPostgresSessionStoreSupersededExport(t *testing.T) {
	testSupersededExport(t, newPostgresStore(t), uuid.NewString())
}
