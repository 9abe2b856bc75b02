package persistence

import (
	"context"
	"encoding/json"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

// AuditRepository persists append-only tool-invocation records. Grounded on
// _examples/jordigilh-kubernaut/test/unit/datastorage's notification audit
// repository, which treats audit writes as best-effort rather than a
// transaction participant.
type AuditRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewAuditRepository(db *sqlx.DB, log logr.Logger) *AuditRepository {
	return &AuditRepository{db: db, log: log}
}

// PersistAuditLogs writes every record, tagging each with the owning
// tenant. A write failure is logged and swallowed: a run or task must never
// fail because its audit trail couldn't be stored (spec.md §4.5, "Audit
// logging is best-effort").
func (r *AuditRepository) PersistAuditLogs(ctx context.Context, tenantID string, records []AuditRecord) {
	for _, rec := range records {
		rec.TenantID = tenantID
		args, err := json.Marshal(rec.Arguments)
		if err != nil {
			r.log.Error(err, "marshal audit arguments failed", "tool", rec.Tool)
			continue
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO audit_logs (tenant_id, tool, arguments, success, error, elapsed_ms, source,
				saas_name, connection_id, genre, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, tenantID, rec.Tool, args, rec.Success, rec.Error, rec.ElapsedMS, rec.Source,
			rec.SaaSName, rec.ConnectionID, rec.Genre, rec.Timestamp)
		if err != nil {
			r.log.Error(err, "persist audit log failed", "tool", rec.Tool)
		}
	}
}

// ListAuditLogs returns the audit trail for a run or task's tenant,
// most recent first, bounded by limit.
func (r *AuditRepository) ListAuditLogs(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryxContext(ctx, `
		SELECT tool, arguments, success, error, elapsed_ms, source, saas_name, connection_id, genre, created_at
		FROM audit_logs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var args []byte
		if err := rows.Scan(&rec.Tool, &args, &rec.Success, &rec.Error, &rec.ElapsedMS, &rec.Source,
			&rec.SaaSName, &rec.ConnectionID, &rec.Genre, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Arguments = args
		rec.TenantID = tenantID
		out = append(out, rec)
	}
	return out, rows.Err()
}
