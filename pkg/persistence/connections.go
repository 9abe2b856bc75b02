package persistence

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/refresher"
)

// Connection status and auth-method values (spec.md §3).
const (
	ConnectionActive       = "active"
	ConnectionTokenExpired = "token_expired"
	ConnectionDisabled     = "disabled"

	AuthMethodOAuth2 = "oauth2"
)

// ConnectionRepository is the tenant-scoped store for SaaS connections.
// Implements refresher.ConnectionStore so *ConnectionRepository can be
// handed directly to refresher.New.
type ConnectionRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewConnectionRepository(db *sqlx.DB, log logr.Logger) *ConnectionRepository {
	return &ConnectionRepository{db: db, log: log}
}

// ListActiveOAuthConnections returns every connection using the oauth2 auth
// method that isn't already disabled, across every tenant — the sweep loop
// is global, not tenant-scoped (spec.md §4.4, "Refresh loop").
func (r *ConnectionRepository) ListActiveOAuthConnections(ctx context.Context) ([]refresher.Connection, error) {
	var rows []Connection
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM connections WHERE auth_method = $1 AND status != $2
	`, AuthMethodOAuth2, ConnectionDisabled)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "list active oauth connections failed")
	}
	conns := make([]refresher.Connection, 0, len(rows))
	for _, c := range rows {
		conns = append(conns, refresher.Connection{
			TenantID:    c.TenantID,
			SaaSName:    c.SaaSName,
			InstanceURL: c.InstanceURL.String,
		})
	}
	return conns, nil
}

// MarkActive records a successful refresh or health check.
func (r *ConnectionRepository) MarkActive(ctx context.Context, tenantID, saasName string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE connections SET status = $1, last_health_check_at = now()
		WHERE tenant_id = $2 AND saas_name = $3
	`, ConnectionActive, tenantID, saasName)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "mark connection active failed")
	}
	return nil
}

// MarkTokenExpired flags a connection whose refresh failed for lack of a
// usable refresh token (spec.md §4.4: no silent indefinite retry).
func (r *ConnectionRepository) MarkTokenExpired(ctx context.Context, tenantID, saasName, _ string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE connections SET status = $1 WHERE tenant_id = $2 AND saas_name = $3
	`, ConnectionTokenExpired, tenantID, saasName)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "mark connection token expired failed")
	}
	return nil
}

// GetConnection fetches a single tenant-scoped connection by SaaS name.
func (r *ConnectionRepository) GetConnection(ctx context.Context, tenantID, saasName string) (*Connection, error) {
	var conn Connection
	err := r.db.GetContext(ctx, &conn, `
		SELECT * FROM connections WHERE tenant_id = $1 AND saas_name = $2
	`, tenantID, saasName)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get connection failed")
	}
	return &conn, nil
}
