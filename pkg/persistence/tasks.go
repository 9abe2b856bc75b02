package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence/failurepattern"
)

// DefaultMinFailurePatternCount is the minimum occurrence count before a
// failure pattern is surfaced to GetFailurePatterns (spec.md §4.5).
const DefaultMinFailurePatternCount = 3

// TaskRepository is the tenant-scoped persistence surface for SaaS tasks.
type TaskRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewTaskRepository(db *sqlx.DB, log logr.Logger) *TaskRepository {
	return &TaskRepository{db: db, log: log}
}

// CreateTask inserts a new task in the planning status.
func (r *TaskRepository) CreateTask(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskPlanning
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, connection_id, description, saas_name, genre, dry_run,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, task.ID, task.TenantID, task.ConnectionID, task.Description, task.SaaSName, task.Genre,
		task.DryRun, task.Status)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "create task failed")
	}
	return task.ID, nil
}

// SavePlan stores the planner's markdown plan and ordered operation list
// and moves the task into awaiting_approval (spec.md §4.7, "Planner").
func (r *TaskRepository) SavePlan(ctx context.Context, taskID, tenantID, planMarkdown string, ops []PlannedOperation) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal planned operations failed")
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, plan_markdown = $2, planned_operations = $3,
			operation_count = $4, updated_at = now()
		WHERE id = $5 AND tenant_id = $6
	`, TaskAwaitingApproval, planMarkdown, raw, len(ops), taskID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "save plan failed")
	}
	return nil
}

// ApproveTask transitions an awaiting_approval task into executing. It
// rejects any other starting status, mirroring the executor's
// read-before-write expectation that nothing executes without an approved
// plan (spec.md §4.7, "Rule enforcement").
func (r *TaskRepository) ApproveTask(ctx context.Context, taskID, tenantID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = $4
	`, TaskExecuting, taskID, tenantID, TaskAwaitingApproval)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "approve task failed")
	}
	return requireRowsAffected(res, "task is not awaiting approval")
}

// RejectTask transitions an awaiting_approval task into rejected.
func (r *TaskRepository) RejectTask(ctx context.Context, taskID, tenantID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = $4
	`, TaskRejected, taskID, tenantID, TaskAwaitingApproval)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "reject task failed")
	}
	return requireRowsAffected(res, "task is not awaiting approval")
}

// SaveResult records the executor's outcome and marks the task completed or
// failed depending on whether any operation failed.
func (r *TaskRepository) SaveResult(ctx context.Context, taskID, tenantID string, summary ResultSummary, durationMS int64) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal result summary failed")
	}
	status := TaskCompleted
	if summary.Failures > 0 {
		status = TaskFailed
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, result_summary = $2, duration_ms = $3, updated_at = now()
		WHERE id = $4 AND tenant_id = $5
	`, status, raw, durationMS, taskID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "save result failed")
	}
	return nil
}

// RecordFailure stores the raw and normalized failure reason plus its
// classified category, enabling later aggregation via GetFailurePatterns.
func (r *TaskRepository) RecordFailure(ctx context.Context, taskID, tenantID, reason, category string) error {
	normalized := failurepattern.Normalize(reason)
	_, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, failure_reason = $2, failure_reason_normalized = $3,
			failure_category = $4, updated_at = now()
		WHERE id = $5 AND tenant_id = $6
	`, TaskFailed, reason, normalized, category, taskID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "record failure failed")
	}
	return nil
}

// DeleteTask removes a task outright. Rejected while a task is executing,
// since a deleted in-flight task would orphan whatever operations already
// ran against the SaaS (spec.md §4.7, "Rule enforcement": no deletes).
func (r *TaskRepository) DeleteTask(ctx context.Context, taskID, tenantID string) error {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM tasks WHERE id = $1 AND tenant_id = $2`, taskID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "lookup task status failed")
	}
	if status == TaskExecuting {
		return apperrors.New(apperrors.ErrorTypeConflict, "cannot delete a task while it is executing")
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND tenant_id = $2`, taskID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "delete task failed")
	}
	return nil
}

// ListTasks returns every task owned by tenantID, most recent first.
func (r *TaskRepository) ListTasks(ctx context.Context, tenantID string) ([]Task, error) {
	var tasks []Task
	err := r.db.SelectContext(ctx, &tasks, `SELECT * FROM tasks WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "list tasks failed")
	}
	return tasks, nil
}

// GetTask fetches a single tenant-scoped task by id.
func (r *TaskRepository) GetTask(ctx context.Context, taskID, tenantID string) (*Task, error) {
	var task Task
	err := r.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = $1 AND tenant_id = $2`, taskID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get task failed")
	}
	return &task, nil
}

// GetFailurePatterns aggregates failed tasks by (saas, category, normalized
// reason), returning only triples whose occurrence count is at least
// minCount (0 applies DefaultMinFailurePatternCount). An empty saasName
// matches every SaaS.
func (r *TaskRepository) GetFailurePatterns(ctx context.Context, tenantID, saasName string, minCount int) ([]FailurePattern, error) {
	if minCount <= 0 {
		minCount = DefaultMinFailurePatternCount
	}
	query := `
		SELECT saas_name, failure_category, failure_reason_normalized, COUNT(*) AS count
		FROM tasks
		WHERE tenant_id = $1 AND status = $2 AND failure_reason_normalized IS NOT NULL
	`
	args := []any{tenantID, TaskFailed}
	if saasName != "" {
		query += " AND saas_name = $3"
		args = append(args, saasName)
	}
	query += fmt.Sprintf(`
		GROUP BY saas_name, failure_category, failure_reason_normalized
		HAVING COUNT(*) >= $%d
		ORDER BY count DESC
	`, len(args)+1)
	args = append(args, minCount)

	var patterns []FailurePattern
	if err := r.db.SelectContext(ctx, &patterns, r.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get failure patterns failed")
	}
	return patterns, nil
}

func requireRowsAffected(res sql.Result, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "rows affected check failed")
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, message)
	}
	return nil
}
