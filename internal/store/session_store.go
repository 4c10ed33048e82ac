package store

import (
	"context"
	"errors"

	"github.com/dunamismax/darkroom/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionInactive = errors.New("session is not open")
	ErrExportInFlight  = errors.New("an export is already in flight for this session")
	ErrExportMismatch  = errors.New("export does not match the session's current export")
)

// SessionStore persists session snapshots. Implementations must make
// ClaimExport atomic: it is the only guard that keeps two replicas from
// starting exports for the same session.
type SessionStore interface {
	Create(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, id string) (domain.Session, error)
	// Save overwrites the snapshot. It fails with ErrExportInFlight while a
	// different export than s.Export is in flight.
	Save(ctx context.Context, s domain.Session) error
	// ClaimExport records exp as the session's export if the session is open
	// and no export is in flight.
	ClaimExport(ctx context.Context, id string, exp domain.Export) (domain.Session, error)
	// UpdateExport replaces the export state when exp.ID is the current export.
	UpdateExport(ctx context.Context, id string, exp domain.Export) (domain.Session, error)
}

// ExportLedger records one row per successful export.
type ExportLedger interface {
	RecordExport(ctx context.Context, rec domain.ExportRecord) error
}

// saveConflict reports whether writing next over stored would clobber an
// in-flight export.
func saveConflict(stored, next domain.Session) bool {
	return stored.Export.InFlight() && stored.Export.ID != next.Export.ID
}

func claimable(s domain.Session) error {
	if !s.State.Active() {
		return ErrSessionInactive
	}
	if s.Export.InFlight() {
		return ErrExportInFlight
	}
	return nil
}
