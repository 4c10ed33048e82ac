package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
	"github.com/lib/pq"
)

const sessionSchemaSQL = `
CREATE TABLE IF NOT EXISTS editing_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	export_id TEXT NOT NULL DEFAULT '',
	export_status TEXT NOT NULL DEFAULT 'none',
	doc JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS export_records (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	export_id TEXT NOT NULL UNIQUE,
	pixels_baked BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS export_records_user_created_idx ON export_records (user_id, created_at);
`

// inFlightStatuses must match domain.Export.InFlight.
var inFlightStatuses = pq.StringArray{domain.ExportStatusQueued, domain.ExportStatusProcessing}

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(ctx context.Context, dsn string) (*PostgresSessionStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresSessionStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionSchemaSQL); err != nil {
		return fmt.Errorf("ensure session schema: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Close() error {
	return s.db.Close()
}

func (s *PostgresSessionStore) Create(ctx context.Context, sess domain.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO editing_sessions (id, user_id, state, export_id, export_status, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID,
		sess.UserID,
		string(sess.State),
		sess.Export.ID,
		exportStatus(sess.Export),
		doc,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrSessionExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM editing_sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("query session: %w", err)
	}
	return decodeSession(doc)
}

func (s *PostgresSessionStore) Save(ctx context.Context, sess domain.Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE editing_sessions
		 SET user_id = $2, state = $3, export_id = $4, export_status = $5, doc = $6, updated_at = $7
		 WHERE id = $1 AND (NOT (export_status = ANY($8)) OR export_id = $4)`,
		sess.ID,
		sess.UserID,
		string(sess.State),
		sess.Export.ID,
		exportStatus(sess.Export),
		doc,
		sess.UpdatedAt,
		inFlightStatuses,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return s.classifyMiss(ctx, res, sess.ID, ErrExportInFlight)
}

func (s *PostgresSessionStore) ClaimExport(ctx context.Context, id string, exp domain.Export) (domain.Session, error) {
	return s.writeExport(
		ctx,
		`UPDATE editing_sessions
		 SET export_id = $2, export_status = $3,
		     doc = jsonb_set(jsonb_set(doc, '{export}', $4::jsonb), '{updated_at}', to_jsonb($5::text)),
		     updated_at = $6
		 WHERE id = $1 AND state IN ('open', 'editing') AND NOT (export_status = ANY($7))
		 RETURNING doc`,
		id, exp, claimMiss, inFlightStatuses,
	)
}

func (s *PostgresSessionStore) UpdateExport(ctx context.Context, id string, exp domain.Export) (domain.Session, error) {
	return s.writeExport(
		ctx,
		`UPDATE editing_sessions
		 SET export_id = $2, export_status = $3,
		     doc = jsonb_set(jsonb_set(doc, '{export}', $4::jsonb), '{updated_at}', to_jsonb($5::text)),
		     updated_at = $6
		 WHERE id = $1 AND export_id = $2
		 RETURNING doc`,
		id, exp, updateMiss,
	)
}

func (s *PostgresSessionStore) writeExport(ctx context.Context, query, id string, exp domain.Export, explain missFunc, extra ...any) (domain.Session, error) {
	expJSON, err := json.Marshal(exp)
	if err != nil {
		return domain.Session{}, fmt.Errorf("marshal export: %w", err)
	}
	now := time.Now().UTC()

	args := append([]any{id, exp.ID, exportStatus(exp), expJSON, now.Format(time.RFC3339Nano), now}, extra...)
	var doc []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.Get(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}
		return domain.Session{}, explain(current, exp)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session export: %w", err)
	}
	return decodeSession(doc)
}

// missFunc turns a conditional export write that matched no row into the
// sentinel describing why, given the row as it is now.
type missFunc func(current domain.Session, exp domain.Export) error

func claimMiss(current domain.Session, _ domain.Export) error {
	if err := claimable(current); err != nil {
		return err
	}
	return ErrExportInFlight
}

// updateMiss reports a mismatch whenever another export owns the session,
// matching MemorySessionStore.
func updateMiss(current domain.Session, exp domain.Export) error {
	if current.Export.ID != exp.ID {
		return ErrExportMismatch
	}
	return ErrExportInFlight
}

func (s *PostgresSessionStore) classifyMiss(ctx context.Context, res sql.Result, id string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM editing_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if !exists {
		return ErrSessionNotFound
	}
	return conflict
}

func (s *PostgresSessionStore) RecordExport(ctx context.Context, rec domain.ExportRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO export_records (user_id, session_id, export_id, pixels_baked, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (export_id) DO NOTHING`,
		rec.UserID,
		rec.SessionID,
		rec.ExportID,
		rec.PixelsBaked,
		rec.OutputBytes,
		rec.ComputeTimeMS,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

func decodeSession(doc []byte) (domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func exportStatus(exp domain.Export) string {
	if exp.Status == "" {
		return domain.ExportStatusNone
	}
	return exp.Status
}
