// Package credentials implements the per-(tenant, provider) credential
// store (spec.md §4.4, C1): encrypted-at-rest access/refresh tokens with a
// logged plaintext fallback when no encryption key is configured. Grounded
// on _examples/original_source/server/oauth_store.py's CRUD surface and
// expiry check, adapted onto jmoiron/sqlx against the tenant-scoped
// Postgres schema this module shares with pkg/persistence.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/go-logr/logr"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// DefaultExpiryBuffer is the window ahead of an absolute expiry within which
// a row is considered expiring (spec.md §4.4, "Token freshness").
const DefaultExpiryBuffer = 5 * time.Minute

// Row is one (tenant, provider) credential bundle.
type Row struct {
	TenantID     string          `db:"tenant_id"`
	Provider     string          `db:"provider"`
	AccessToken  string          `db:"access_token"`
	RefreshToken sql.NullString  `db:"refresh_token"`
	ExpiresAt    sql.NullTime    `db:"expires_at"`
	Scope        sql.NullString  `db:"scope"`
	RawResponse  json.RawMessage `db:"raw_response"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// IsExpired reports whether row has an absolute expiry and now+buffer has
// reached it. Rows with no expiry (e.g. API-key auth) are never expired.
func IsExpired(row Row, buffer time.Duration) bool {
	if !row.ExpiresAt.Valid {
		return false
	}
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	return time.Now().Add(buffer).After(row.ExpiresAt.Time) || time.Now().Add(buffer).Equal(row.ExpiresAt.Time)
}

// Store is the credential persistence boundary: every query carries the
// tenant-id predicate (spec.md §4.5).
type Store struct {
	db      *sqlx.DB
	crypto  *cryptor
	log     logr.Logger
}

// NewStore builds a Store. An empty encryptionKey is allowed: Save/Get then
// fall through to plaintext and a warning is logged once, matching
// crypto.py's local-development behavior.
func NewStore(db *sqlx.DB, encryptionKey []byte, log logr.Logger) (*Store, error) {
	c, err := newCryptor(encryptionKey)
	if err != nil {
		return nil, err
	}
	if !c.enabled() {
		log.Info("credential encryption key not set, storing tokens in plaintext")
	}
	return &Store{db: db, crypto: c, log: log}, nil
}

// Save upserts the credential row for (tenantID, provider), encrypting the
// access and refresh tokens before they ever reach the database.
func (s *Store) Save(ctx context.Context, tenantID, provider string, row Row) error {
	accessCT, err := s.crypto.encrypt(row.AccessToken)
	if err != nil {
		return err
	}
	refreshCT := row.RefreshToken
	if row.RefreshToken.Valid {
		ct, err := s.crypto.encrypt(row.RefreshToken.String)
		if err != nil {
			return err
		}
		refreshCT = sql.NullString{String: ct, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (tenant_id, provider, access_token, refresh_token, expires_at, scope, raw_response, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, credentials.refresh_token),
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			raw_response = EXCLUDED.raw_response,
			updated_at = now()
	`, tenantID, provider, accessCT, refreshCT, row.ExpiresAt, row.Scope, row.RawResponse)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "save credential failed")
	}
	return nil
}

// Get returns the decrypted row for (tenantID, provider), or nil if none
// exists.
func (s *Store) Get(ctx context.Context, tenantID, provider string) (*Row, error) {
	var row Row
	err := s.db.GetContext(ctx, &row, `
		SELECT tenant_id, provider, access_token, refresh_token, expires_at, scope, raw_response, updated_at
		FROM credentials WHERE tenant_id = $1 AND provider = $2
	`, tenantID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "get credential failed")
	}
	if err := s.decryptRow(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetBulk loads every credential row for the given tenant ids, keyed by
// (tenant, provider), in a single query — used by the refresher's sweep.
func (s *Store) GetBulk(ctx context.Context, tenantIDs []string) (map[[2]string]Row, error) {
	if len(tenantIDs) == 0 {
		return map[[2]string]Row{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT tenant_id, provider, access_token, refresh_token, expires_at, scope, raw_response, updated_at
		FROM credentials WHERE tenant_id IN (?)
	`, tenantIDs)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "build bulk query failed")
	}
	query = s.db.Rebind(query)

	var rows []Row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "bulk get credentials failed")
	}

	out := make(map[[2]string]Row, len(rows))
	for _, row := range rows {
		if err := s.decryptRow(&row); err != nil {
			return nil, err
		}
		out[[2]string{row.TenantID, row.Provider}] = row
	}
	return out, nil
}

// Delete removes the credential row for (tenantID, provider).
func (s *Store) Delete(ctx context.Context, tenantID, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "delete credential failed")
	}
	return nil
}

func (s *Store) decryptRow(row *Row) error {
	access, err := s.crypto.decrypt(row.AccessToken)
	if err != nil {
		return err
	}
	row.AccessToken = access
	if row.RefreshToken.Valid {
		refresh, err := s.crypto.decrypt(row.RefreshToken.String)
		if err != nil {
			return err
		}
		row.RefreshToken.String = refresh
	}
	return nil
}
