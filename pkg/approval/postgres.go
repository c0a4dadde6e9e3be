package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/tillerworks/tiller/pkg/contracts"
)

const approvalSchema = `
CREATE TABLE IF NOT EXISTS autonomy_approvals (
	id           TEXT PRIMARY KEY,
	tool_name    TEXT NOT NULL,
	risk_class   TEXT NOT NULL,
	call_payload JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	decision     TEXT,
	decided_by   TEXT,
	decided_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_autonomy_approvals_pending
	ON autonomy_approvals(expires_at) WHERE decision IS NULL;
`

// PostgresStore persists approvals to the autonomy_approvals table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitSchema creates the approvals table if missing.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, approvalSchema); err != nil {
		return fmt.Errorf("approval: schema init failed: %w", err)
	}
	return nil
}

// InsertPending writes a pending row. The insert is idempotent: a conflicting
// id is left untouched. The full proposed call travels in call_payload.
func (s *PostgresStore) InsertPending(ctx context.Context, req *contracts.ApprovalRequest) error {
	payload, err := json.Marshal(req.Call)
	if err != nil {
		return fmt.Errorf("approval: call not serializable: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autonomy_approvals (
			id, tool_name, risk_class, call_payload, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		req.ID, req.Call.Tool, string(req.RiskClass), payload, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("approval: insert failed: %w", err)
	}
	return nil
}

// MarkResolved records the decision with a single UPDATE.
func (s *PostgresStore) MarkResolved(ctx context.Context, result contracts.ApprovalResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autonomy_approvals
		SET decision = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND decision IS NULL`,
		result.ID, string(result.Decision), result.DecidedBy, result.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("approval: resolve failed: %w", err)
	}
	return nil
}

// LoadPending returns rows that are still undecided and not yet expired.
func (s *PostgresStore) LoadPending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, risk_class, call_payload, created_at, expires_at
		FROM autonomy_approvals
		WHERE decision IS NULL AND expires_at > NOW()
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("approval: load pending failed: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ApprovalRequest
	for rows.Next() {
		var (
			req       contracts.ApprovalRequest
			payload   []byte
			riskClass string
		)
		if err := rows.Scan(&req.ID, &riskClass, &payload, &req.CreatedAt, &req.ExpiresAt); err != nil {
			return nil, fmt.Errorf("approval: scan failed: %w", err)
		}
		if err := json.Unmarshal(payload, &req.Call); err != nil {
			return nil, fmt.Errorf("approval: call payload corrupt for %s: %w", req.ID, err)
		}
		req.RiskClass = contracts.RiskClass(riskClass)
		out = append(out, &req)
	}
	return out, rows.Err()
}
