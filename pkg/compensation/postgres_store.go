package compensation

import (
	"context"
	"database/sql"
	"fmt"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/tillerworks/tiller/pkg/contracts"
)

const incidentSchemaPostgres = `
CREATE TABLE IF NOT EXISTS autonomy_incidents (
	id                     TEXT PRIMARY KEY,
	request_id             TEXT NOT NULL,
	tool_name              TEXT NOT NULL,
	correlation_id         TEXT NOT NULL,
	reason                 TEXT NOT NULL,
	compensation_attempted BOOLEAN NOT NULL,
	compensation_success   BOOLEAN NOT NULL,
	status                 TEXT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	acknowledged_at        TIMESTAMPTZ,
	acknowledged_by        TEXT,
	resolved_at            TIMESTAMPTZ,
	resolved_by            TEXT,
	resolution_note        TEXT
);
CREATE INDEX IF NOT EXISTS idx_autonomy_incidents_status ON autonomy_incidents(status);
`

// PostgresIncidentStore persists incidents to PostgreSQL.
type PostgresIncidentStore struct {
	db *sql.DB
}

// NewPostgresIncidentStore wraps an open connection pool.
func NewPostgresIncidentStore(db *sql.DB) *PostgresIncidentStore {
	return &PostgresIncidentStore{db: db}
}

// InitSchema creates the incidents table if missing.
func (s *PostgresIncidentStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, incidentSchemaPostgres); err != nil {
		return fmt.Errorf("incidents: schema init failed: %w", err)
	}
	return nil
}

// Insert writes a new incident row. Conflicting ids are ignored so replays
// stay idempotent.
func (s *PostgresIncidentStore) Insert(ctx context.Context, i *contracts.CompensationIncident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO autonomy_incidents (
			id, request_id, tool_name, correlation_id, reason,
			compensation_attempted, compensation_success, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		i.ID, i.RequestID, i.ToolName, i.CorrelationID, i.Reason,
		i.CompensationAttempted, i.CompensationSuccess, string(i.Status), i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("incidents: insert failed: %w", err)
	}
	return nil
}

// Update writes the current review state of an incident.
func (s *PostgresIncidentStore) Update(ctx context.Context, i *contracts.CompensationIncident) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autonomy_incidents SET
			status = $2, updated_at = $3,
			acknowledged_at = $4, acknowledged_by = $5,
			resolved_at = $6, resolved_by = $7, resolution_note = $8
		WHERE id = $1`,
		i.ID, string(i.Status), i.UpdatedAt,
		i.AcknowledgedAt, i.AcknowledgedBy,
		i.ResolvedAt, i.ResolvedBy, i.ResolutionNote,
	)
	if err != nil {
		return fmt.Errorf("incidents: update failed: %w", err)
	}
	return nil
}
