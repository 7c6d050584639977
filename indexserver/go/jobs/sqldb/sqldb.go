// Package sqldb persists background jobs in a relational table,
// mirroring the fields of the JSON document backend.
package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"go.cidx.org/server/indexserver/go/jobs"
)

// schema is applied at startup; the table mirrors the jobs.Job fields.
const schema = `
CREATE TABLE IF NOT EXISTS background_jobs (
	job_id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	progress INT NOT NULL DEFAULT 0,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled BOOLEAN NOT NULL DEFAULT FALSE,
	repo_alias TEXT NOT NULL DEFAULT '',
	resolution_attempts INT NOT NULL DEFAULT 0,
	claude_actions JSONB,
	failure_reason TEXT NOT NULL DEFAULT '',
	extended_error TEXT NOT NULL DEFAULT '',
	language_resolution_status TEXT NOT NULL DEFAULT ''
)`

const upsert = `
INSERT INTO background_jobs (
	job_id, operation_type, status, created_at, started_at, completed_at,
	progress, result, error, username, is_admin, cancelled, repo_alias,
	resolution_attempts, claude_actions, failure_reason, extended_error,
	language_resolution_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	progress = EXCLUDED.progress,
	result = EXCLUDED.result,
	error = EXCLUDED.error,
	cancelled = EXCLUDED.cancelled,
	resolution_attempts = EXCLUDED.resolution_attempts,
	claude_actions = EXCLUDED.claude_actions,
	failure_reason = EXCLUDED.failure_reason,
	extended_error = EXCLUDED.extended_error,
	language_resolution_status = EXCLUDED.language_resolution_status`

// SqlDB implements jobs.Store on a PostgreSQL-compatible database via
// pgx.
type SqlDB struct {
	pool *pgxpool.Pool
}

// New connects to the database at the given URL and ensures the schema
// exists.
func New(ctx context.Context, url string) (*SqlDB, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to job DB: %s", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Failed to apply job DB schema: %s", err)
	}
	return &SqlDB{pool: pool}, nil
}

// See docs for jobs.Store interface.
func (db *SqlDB) Load() (map[string]*jobs.Job, error) {
	ctx := context.Background()
	rows, err := db.pool.Query(ctx, `SELECT job_id, operation_type, status, created_at,
		started_at, completed_at, progress, result, error, username, is_admin,
		cancelled, repo_alias, resolution_attempts, claude_actions, failure_reason,
		extended_error, language_resolution_status FROM background_jobs`)
	if err != nil {
		return nil, fmt.Errorf("Failed to load jobs: %s", err)
	}
	defer rows.Close()
	rv := map[string]*jobs.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		rv[j.Id] = j
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Failed to iterate jobs: %s", err)
	}
	return rv, nil
}

func scanJob(rows pgx.Rows) (*jobs.Job, error) {
	j := &jobs.Job{}
	var started, completed *time.Time
	var resultJSON, actionsJSON []byte
	if err := rows.Scan(&j.Id, &j.OperationType, &j.Status, &j.Created, &started,
		&completed, &j.Progress, &resultJSON, &j.Error, &j.Username, &j.IsAdmin,
		&j.Cancelled, &j.RepoAlias, &j.ResolutionAttempts, &actionsJSON,
		&j.FailureReason, &j.ExtendedError, &j.LanguageResolutionStatus); err != nil {
		return nil, fmt.Errorf("Failed to scan job row: %s", err)
	}
	j.Started = started
	j.Completed = completed
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &j.Result); err != nil {
			return nil, fmt.Errorf("Failed to decode job %s result: %s", j.Id, err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &j.ClaudeActions); err != nil {
			return nil, fmt.Errorf("Failed to decode job %s actions: %s", j.Id, err)
		}
	}
	return j, nil
}

func (db *SqlDB) put(ctx context.Context, tx pgx.Tx, j *jobs.Job) error {
	var resultJSON, actionsJSON []byte
	var err error
	if j.Result != nil {
		if resultJSON, err = json.Marshal(j.Result); err != nil {
			return fmt.Errorf("Failed to encode job %s result: %s", j.Id, err)
		}
	}
	if j.ClaudeActions != nil {
		if actionsJSON, err = json.Marshal(j.ClaudeActions); err != nil {
			return fmt.Errorf("Failed to encode job %s actions: %s", j.Id, err)
		}
	}
	_, err = tx.Exec(ctx, upsert, j.Id, j.OperationType, j.Status, j.Created,
		j.Started, j.Completed, j.Progress, resultJSON, j.Error, j.Username,
		j.IsAdmin, j.Cancelled, j.RepoAlias, j.ResolutionAttempts, actionsJSON,
		j.FailureReason, j.ExtendedError, j.LanguageResolutionStatus)
	if err != nil {
		return fmt.Errorf("Failed to upsert job %s: %s", j.Id, err)
	}
	return nil
}

// See docs for jobs.Store interface.
func (db *SqlDB) Put(j *jobs.Job) error {
	return db.PutAll([]*jobs.Job{j})
}

// See docs for jobs.Store interface.
func (db *SqlDB) PutAll(js []*jobs.Job) error {
	ctx := context.Background()
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("Failed to begin transaction: %s", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	for _, j := range js {
		if err := db.put(ctx, tx, j); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("Failed to commit transaction: %s", err)
	}
	return nil
}

// See docs for jobs.Store interface.
func (db *SqlDB) Delete(ids []string) error {
	ctx := context.Background()
	if _, err := db.pool.Exec(ctx, `DELETE FROM background_jobs WHERE job_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("Failed to delete jobs: %s", err)
	}
	return nil
}

// See docs for jobs.Store interface.
func (db *SqlDB) Close() error {
	db.pool.Close()
	return nil
}

var _ jobs.Store = (*SqlDB)(nil)
