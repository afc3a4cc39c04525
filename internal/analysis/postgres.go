// internal/analysis/postgres.go
package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. Turn transcripts,
// insights and metrics live in jsonb columns; row updates are keyed by
// result id so different results never contend.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with the lib/pq driver and verifies the link.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the result and delivery tables if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS analysis_results (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			integration_id TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_integration
			ON analysis_results (integration_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			integration_id TEXT NOT NULL,
			result_id TEXT NOT NULL,
			attempt INT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			ts TIMESTAMPTZ NOT NULL,
			next_retry_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_result
			ON delivery_attempts (result_id, attempt)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, result *Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var completed *time.Time
	if !result.CompletedAt.IsZero() {
		completed = &result.CompletedAt
	}

	query := `
		INSERT INTO analysis_results (id, request_id, integration_id, status, reason, body, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			body = EXCLUDED.body,
			integration_id = EXCLUDED.integration_id,
			completed_at = EXCLUDED.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		result.ID, result.RequestID, result.IntegrationID,
		string(result.Status), string(result.Reason), body,
		result.CreatedAt, completed,
	)
	return err
}

func (s *PostgresStore) GetResult(ctx context.Context, id string) (*Result, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM analysis_results WHERE id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

func (s *PostgresStore) ListByIntegration(ctx context.Context, integrationID string, limit int) ([]*Result, error) {
	query := `
		SELECT body FROM analysis_results
		WHERE integration_id = $1
		ORDER BY created_at DESC
	`
	args := []interface{}{integrationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Result
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r Result
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TombstoneOwner(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_results
		SET integration_id = 'deleted:' || integration_id,
		    body = jsonb_set(body, '{integration_id}', to_jsonb('deleted:' || integration_id))
		WHERE integration_id = $1
	`, integrationID)
	return err
}

func (s *PostgresStore) AppendDelivery(ctx context.Context, attempt *DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, integration_id, result_id, attempt, outcome, error, ts, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, attempt.ID, attempt.IntegrationID, attempt.ResultID, attempt.Attempt,
		string(attempt.Outcome), attempt.Error, attempt.Timestamp, attempt.NextRetryAt)
	return err
}

func (s *PostgresStore) Deliveries(ctx context.Context, resultID string) ([]*DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, integration_id, result_id, attempt, outcome, error, ts, next_retry_at
		FROM delivery_attempts
		WHERE result_id = $1
		ORDER BY attempt
	`, resultID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		var outcome string
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.IntegrationID, &a.ResultID, &a.Attempt,
			&outcome, &errText, &a.Timestamp, &a.NextRetryAt); err != nil {
			return nil, err
		}
		a.Outcome = DeliveryOutcome(outcome)
		a.Error = errText.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
