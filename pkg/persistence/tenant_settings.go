package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// TenantSettingsRepository stores the small set of per-tenant toggles the
// run controller consults before starting a run (spec.md §4.6,
// "auto_execute").
type TenantSettingsRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewTenantSettingsRepository(db *sqlx.DB, log logr.Logger) *TenantSettingsRepository {
	return &TenantSettingsRepository{db: db, log: log}
}

// GetAutoExecute reports whether tenantID has opted into the merged,
// end-to-end run path. A tenant with no row defaults to false, matching the
// conservative "pause for spec_review" behavior.
func (r *TenantSettingsRepository) GetAutoExecute(ctx context.Context, tenantID string) (bool, error) {
	var autoExecute bool
	err := r.db.QueryRowxContext(ctx, `
		SELECT auto_execute FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&autoExecute)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get tenant auto_execute setting failed")
	}
	return autoExecute, nil
}

// SetAutoExecute upserts tenantID's auto_execute toggle.
func (r *TenantSettingsRepository) SetAutoExecute(ctx context.Context, tenantID string, autoExecute bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, auto_execute, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET auto_execute = EXCLUDED.auto_execute, updated_at = now()
	`, tenantID, autoExecute)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "set tenant auto_execute setting failed")
	}
	return nil
}
