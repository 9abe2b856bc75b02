// Package persistence implements the tenant-scoped storage layer (spec.md
// §4.5, C5): runs and their state snapshots, SaaS operation tasks, audit
// logs, and rule-change proposals. Every query carries an explicit
// tenant-id predicate. Grounded on the repository shape in
// _examples/jordigilh-kubernaut/test/unit/datastorage (NewXRepository(db,
// logger), sqlmock-driven tests) adapted onto jmoiron/sqlx against this
// module's Postgres schema.
package persistence

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Run status values (spec.md §3).
const (
	RunStarted     = "started"
	RunSpecDone    = "spec_done"
	RunSpecReview  = "spec_review"
	RunCoding      = "coding"
	RunReviewOK    = "review_ok"
	RunReviewNG    = "review_ng"
	RunPublished   = "published"
	RunFailed      = "failed"
	RunTimeout     = "timeout"
)

// Run is one attempt to transform a requirement into a code change.
type Run struct {
	ID                   string          `db:"id"`
	TenantID             string          `db:"tenant_id"`
	Requirement          string          `db:"requirement"`
	Status               string          `db:"status"`
	RetryCount           int             `db:"retry_count"`
	LastErrorSignature   sql.NullString  `db:"last_error_signature"`
	ErrorLogs            json.RawMessage `db:"error_logs"`
	InputTokens          int64           `db:"input_tokens"`
	OutputTokens         int64           `db:"output_tokens"`
	WorkingDir           sql.NullString  `db:"working_dir"`
	OutputSubdir         sql.NullString  `db:"output_subdir"`
	EmitImprovements     bool            `db:"emit_improvements"`
	Genre                sql.NullString  `db:"genre"`
	Subcategory          sql.NullString  `db:"subcategory"`
	OverrideReason       sql.NullString  `db:"override_reason"`
	OriginatingEventID   sql.NullString  `db:"originating_event_id"`
	StateSnapshot        json.RawMessage `db:"state_snapshot"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

// Task status values (spec.md §3).
const (
	TaskPlanning         = "planning"
	TaskAwaitingApproval = "awaiting_approval"
	TaskExecuting        = "executing"
	TaskCompleted        = "completed"
	TaskFailed           = "failed"
	TaskRejected         = "rejected"
)

// Failure categories (spec.md §4.7).
const (
	FailureAuth       = "auth_error"
	FailureValidation = "validation_error"
	FailureRateLimit  = "rate_limit"
	FailureTimeout    = "timeout"
	FailureAPIError   = "api_error"
	FailureUnknown    = "unknown"
)

// Task is one requested SaaS operation batch.
type Task struct {
	ID                string          `db:"id"`
	TenantID          string          `db:"tenant_id"`
	ConnectionID      string          `db:"connection_id"`
	Description       string          `db:"description"`
	SaaSName          string          `db:"saas_name"`
	Genre             sql.NullString  `db:"genre"`
	DryRun            bool            `db:"dry_run"`
	Status            string          `db:"status"`
	PlanMarkdown      sql.NullString  `db:"plan_markdown"`
	PlannedOperations json.RawMessage `db:"planned_operations"`
	OperationCount    int             `db:"operation_count"`
	ResultSummary     json.RawMessage `db:"result_summary"`
	DurationMS        sql.NullInt64   `db:"duration_ms"`
	FailureReason     sql.NullString  `db:"failure_reason"`
	FailureReasonNorm sql.NullString  `db:"failure_reason_normalized"`
	FailureCategory   sql.NullString  `db:"failure_category"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// PlannedOperation is one entry in a task's ordered operation list.
type PlannedOperation struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ResultSummary is the non-sensitive outcome of a task's execution phase:
// counts and short error strings only, never raw SaaS responses.
type ResultSummary struct {
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	Errors    []string `json:"errors"`
}

// Connection is one tenant-to-SaaS binding.
type Connection struct {
	ID                string         `db:"id"`
	TenantID          string         `db:"tenant_id"`
	SaaSName          string         `db:"saas_name"`
	Department        sql.NullString `db:"department"`
	AuthMethod        string         `db:"auth_method"`
	Status            string         `db:"status"`
	InstanceURL       sql.NullString `db:"instance_url"`
	Scopes            sql.NullString `db:"scopes"`
	LastUsedAt        sql.NullTime   `db:"last_used_at"`
	LastHealthCheckAt sql.NullTime   `db:"last_health_check_at"`
}

// AuditRecord is one tool invocation inside a run or task.
type AuditRecord struct {
	Timestamp    time.Time       `json:"timestamp"`
	Tool         string          `json:"tool"`
	Arguments    json.RawMessage `json:"arguments"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	ElapsedMS    int64           `json:"elapsed_ms"`
	Source       string          `json:"source"` // "sandbox" or "saas"
	TenantID     string          `json:"tenant_id,omitempty"`
	SaaSName     string          `json:"saas_name,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Genre        string          `json:"genre,omitempty"`
}

// Rule-change proposal status values (spec.md §3).
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

// RuleChangeProposal is a candidate improvement to a named rule document.
type RuleChangeProposal struct {
	ID             string         `db:"id"`
	RunID          string         `db:"run_id"`
	RuleName       string         `db:"rule_name"`
	ProposedText   string         `db:"proposed_text"`
	Genre          sql.NullString `db:"genre"`
	Status         string         `db:"status"`
	ReviewerID     sql.NullString `db:"reviewer_id"`
	CreatedAt      time.Time      `db:"created_at"`
}

// FailurePattern is one aggregated (saas, category, normalized reason)
// triple that has crossed the reporting threshold.
type FailurePattern struct {
	SaaSName         string `db:"saas_name"`
	Category         string `db:"failure_category"`
	NormalizedReason string `db:"failure_reason_normalized"`
	Count            int    `db:"count"`
}
