package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/casedesk/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id             UUID PRIMARY KEY,
	application_id TEXT        NOT NULL,
	actor          TEXT        NOT NULL,
	action         TEXT        NOT NULL,
	stage          TEXT        NOT NULL DEFAULT '',
	message        TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_application_idx
	ON audit_entries (application_id, created_at);`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL audit store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the audit table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append inserts an entry.
func (s *PgStore) Append(ctx context.Context, entry model.AuditEntry) error {
	if entry.ApplicationID == "" {
		return errors.New("audit: application id is required")
	}
	entry = stamp(entry)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (
			id, application_id, actor, action, stage, message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ApplicationID, entry.Actor, entry.Action,
		entry.Stage, entry.Message, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// List returns the application's entries ordered by time.
func (s *PgStore) List(ctx context.Context, applicationID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, actor, action, stage, message, created_at
		FROM audit_entries
		WHERE application_id = $1
		ORDER BY created_at ASC`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.ApplicationID, &e.Actor, &e.Action,
			&e.Stage, &e.Message, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
