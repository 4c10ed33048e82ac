package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
)

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	records  []domain.ExportRecord
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]domain.Session),
	}
}

func (s *MemorySessionStore) Create(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = clone(sess)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	return clone(sess), nil
}

func (s *MemorySessionStore) Save(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if saveConflict(stored, sess) {
		return ErrExportInFlight
	}
	s.sessions[sess.ID] = clone(sess)
	return nil
}

func (s *MemorySessionStore) ClaimExport(_ context.Context, id string, exp domain.Export) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	if err := claimable(sess); err != nil {
		return domain.Session{}, err
	}

	sess.Export = exp
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return clone(sess), nil
}

func (s *MemorySessionStore) UpdateExport(_ context.Context, id string, exp domain.Export) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	if sess.Export.ID != exp.ID {
		return domain.Session{}, ErrExportMismatch
	}

	sess.Export = exp
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return clone(sess), nil
}

func (s *MemorySessionStore) RecordExport(_ context.Context, rec domain.ExportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns the export ledger in insertion order.
func (s *MemorySessionStore) Records() []domain.ExportRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ExportRecord(nil), s.records...)
}

func clone(sess domain.Session) domain.Session {
	if sess.Geometry.Crop != nil {
		c := *sess.Geometry.Crop
		sess.Geometry.Crop = &c
	}
	if sess.Source.Metadata != nil {
		m := *sess.Source.Metadata
		sess.Source.Metadata = &m
	}
	return sess
}
