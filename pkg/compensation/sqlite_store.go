package compensation

import (
	"context"
	"database/sql"
	"fmt"

	// Pure-Go SQLite driver for embedded deployments.
	_ "modernc.org/sqlite"

	"github.com/tillerworks/tiller/pkg/contracts"
)

const incidentSchemaSQLite = `
CREATE TABLE IF NOT EXISTS autonomy_incidents (
	id                     TEXT PRIMARY KEY,
	request_id             TEXT NOT NULL,
	tool_name              TEXT NOT NULL,
	correlation_id         TEXT NOT NULL,
	reason                 TEXT NOT NULL,
	compensation_attempted INTEGER NOT NULL,
	compensation_success   INTEGER NOT NULL,
	status                 TEXT NOT NULL,
	created_at             TIMESTAMP NOT NULL,
	updated_at             TIMESTAMP NOT NULL,
	acknowledged_at        TIMESTAMP,
	acknowledged_by        TEXT,
	resolved_at            TIMESTAMP,
	resolved_by            TEXT,
	resolution_note        TEXT
);
CREATE INDEX IF NOT EXISTS idx_autonomy_incidents_status ON autonomy_incidents(status);
`

// SQLiteIncidentStore persists incidents to a local SQLite database, for
// single-node deployments without a PostgreSQL dependency.
type SQLiteIncidentStore struct {
	db *sql.DB
}

// OpenSQLiteIncidentStore opens (or creates) the database at path and
// ensures the schema exists.
func OpenSQLiteIncidentStore(ctx context.Context, path string) (*SQLiteIncidentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("incidents: open sqlite failed: %w", err)
	}
	s := &SQLiteIncidentStore{db: db}
	if _, err := db.ExecContext(ctx, incidentSchemaSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("incidents: schema init failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteIncidentStore) Close() error {
	return s.db.Close()
}

// Insert writes a new incident row, ignoring duplicate ids.
func (s *SQLiteIncidentStore) Insert(ctx context.Context, i *contracts.CompensationIncident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO autonomy_incidents (
			id, request_id, tool_name, correlation_id, reason,
			compensation_attempted, compensation_success, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.RequestID, i.ToolName, i.CorrelationID, i.Reason,
		i.CompensationAttempted, i.CompensationSuccess, string(i.Status), i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("incidents: insert failed: %w", err)
	}
	return nil
}

// Update writes the current review state of an incident.
func (s *SQLiteIncidentStore) Update(ctx context.Context, i *contracts.CompensationIncident) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autonomy_incidents SET
			status = ?, updated_at = ?,
			acknowledged_at = ?, acknowledged_by = ?,
			resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ?`,
		string(i.Status), i.UpdatedAt,
		i.AcknowledgedAt, i.AcknowledgedBy,
		i.ResolvedAt, i.ResolvedBy, i.ResolutionNote,
		i.ID,
	)
	if err != nil {
		return fmt.Errorf("incidents: update failed: %w", err)
	}
	return nil
}
