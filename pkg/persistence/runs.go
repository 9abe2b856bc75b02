package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// RunRepository is the tenant-scoped persistence surface for runs.
type RunRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewRunRepository(db *sqlx.DB, log logr.Logger) *RunRepository {
	return &RunRepository{db: db, log: log}
}

// PersistRun writes a single row summarizing a completed run.
func (r *RunRepository) PersistRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, requirement, status, retry_count, last_error_signature,
			error_logs, input_tokens, output_tokens, working_dir, output_subdir, emit_improvements,
			genre, subcategory, override_reason, originating_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, retry_count = EXCLUDED.retry_count,
			last_error_signature = EXCLUDED.last_error_signature, error_logs = EXCLUDED.error_logs,
			input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
			updated_at = now()
	`, run.ID, run.TenantID, run.Requirement, run.Status, run.RetryCount, run.LastErrorSignature,
		run.ErrorLogs, run.InputTokens, run.OutputTokens, run.WorkingDir, run.OutputSubdir,
		run.EmitImprovements, run.Genre, run.Subcategory, run.OverrideReason, run.OriginatingEventID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "persist run failed")
	}
	return run.ID, nil
}

// PersistSpecSnapshot writes the full serialized state of a run pausing
// after phase 1, with status spec_review (spec.md §4.5).
func (r *RunRepository) PersistSpecSnapshot(ctx context.Context, runID, tenantID string, snapshot json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, state_snapshot = $2, updated_at = now()
		WHERE id = $3 AND tenant_id = $4
	`, RunSpecReview, snapshot, runID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "persist spec snapshot failed")
	}
	return nil
}

// LoadSnapshot returns the snapshot for runID iff its current status is
// spec_review; any other status means the run cannot be resumed, so no
// snapshot is returned (spec.md §4.5).
func (r *RunRepository) LoadSnapshot(ctx context.Context, runID, tenantID string) (json.RawMessage, error) {
	var status string
	var snapshot json.RawMessage
	err := r.db.QueryRowxContext(ctx, `
		SELECT status, state_snapshot FROM runs WHERE id = $1 AND tenant_id = $2
	`, runID, tenantID).Scan(&status, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrorTypeNotFound, "run not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "load snapshot failed")
	}
	if status != RunSpecReview {
		return nil, nil
	}
	return snapshot, nil
}

// ClearSnapshot drops the stored snapshot and marks the run coding, the
// step the controller takes right after an approval rehydrates state
// (spec.md §4.6).
func (r *RunRepository) ClearSnapshot(ctx context.Context, runID, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, state_snapshot = NULL, updated_at = now()
		WHERE id = $2 AND tenant_id = $3
	`, RunCoding, runID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "clear snapshot failed")
	}
	return nil
}

// UpdateRunStatus mutates the status column (and any error/retry fields
// folded into updates by the caller).
func (r *RunRepository) UpdateRunStatus(ctx context.Context, runID, tenantID, status string, retryCount int, lastErrorSignature string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, retry_count = $2, last_error_signature = $3, updated_at = now()
		WHERE id = $4 AND tenant_id = $5
	`, status, retryCount, nullIfEmpty(lastErrorSignature), runID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "update run status failed")
	}
	return nil
}

// GetRun fetches a single tenant-scoped run by id.
func (r *RunRepository) GetRun(ctx context.Context, runID, tenantID string) (*Run, error) {
	var run Run
	err := r.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = $1 AND tenant_id = $2`, runID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get run failed")
	}
	return &run, nil
}

// ListRuns returns every run owned by tenantID, most recent first.
func (r *RunRepository) ListRuns(ctx context.Context, tenantID string) ([]Run, error) {
	var runs []Run
	err := r.db.SelectContext(ctx, &runs, `SELECT * FROM runs WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "list runs failed")
	}
	return runs, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
