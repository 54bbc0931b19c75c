package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/modelmgmt/model"
)

// Schema creates the change-set table when it does not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS model_change_sets (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	model_id    TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	changes     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS model_change_sets_tenant_model_idx
	ON model_change_sets (tenant_id, model_id, created_at);
`

// uniqueViolation is the PostgreSQL error code for a unique constraint.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed ChangeSetStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL change-set store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies Schema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate change-set schema: %w", err)
	}
	return nil
}

// Append inserts a new record.
func (s *PgStore) Append(ctx context.Context, record model.ChangeSetRecord) error {
	changesJSON, err := json.Marshal(record.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO model_change_sets (
			id, session_id, model_id, tenant_id, subject_id, changes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.SessionID, record.ModelID, record.TenantID,
		record.SubjectID, changesJSON, record.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("change-set record %q already exists", record.ID),
			)
		}
		return fmt.Errorf("insert change-set record: %w", err)
	}
	return nil
}

// List returns the records of a model for a tenant, oldest first.
func (s *PgStore) List(ctx context.Context, tenantID, modelID string) ([]model.ChangeSetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, model_id, tenant_id, subject_id, changes, created_at
		FROM model_change_sets
		WHERE tenant_id = $1 AND model_id = $2
		ORDER BY created_at ASC, id ASC`,
		tenantID, modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query change-set records: %w", err)
	}
	defer rows.Close()

	var records []model.ChangeSetRecord
	for rows.Next() {
		var rec model.ChangeSetRecord
		var changesJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.ModelID, &rec.TenantID,
			&rec.SubjectID, &changesJSON, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change-set record: %w", err)
		}
		if changesJSON != nil {
			if err := json.Unmarshal(changesJSON, &rec.Changes); err != nil {
				return nil, fmt.Errorf("unmarshal changes: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change-set records: %w", err)
	}
	return records, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
