package refresher

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
)

type fakeConnStore struct {
	conns        []Connection
	activeCalls  []Connection
	expiredCalls []Connection
}

func (f *fakeConnStore) ListActiveOAuthConnections(context.Context) ([]Connection, error) {
	return f.conns, nil
}

func (f *fakeConnStore) MarkActive(_ context.Context, tenantID, saasName string) error {
	f.activeCalls = append(f.activeCalls, Connection{TenantID: tenantID, SaaSName: saasName})
	return nil
}

func (f *fakeConnStore) MarkTokenExpired(_ context.Context, tenantID, saasName, _ string) error {
	f.expiredCalls = append(f.expiredCalls, Connection{TenantID: tenantID, SaaSName: saasName})
	return nil
}

func newMockCredStore(t *testing.T) (*credentials.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	store, err := credentials.NewStore(db, nil, logr.Discard())
	require.NoError(t, err)
	return store, mock
}

func expiredRowColumns() []string {
	return []string{"tenant_id", "provider", "access_token", "refresh_token", "expires_at", "scope", "raw_response", "updated_at"}
}

func TestRefresher_SweepRefreshesExpiringConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "new-refresh-token",
		})
	}))
	defer server.Close()

	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").
		WillReturnRows(sqlmock.NewRows(expiredRowColumns()).AddRow(
			"tenant-1", "acme-saas", "old-access-token", "old-refresh-token",
			time.Now().Add(-time.Minute), nil, []byte("{}"), time.Now(),
		))
	mock.ExpectExec("INSERT INTO credentials").WillReturnResult(sqlmock.NewResult(0, 1))

	connStore := &fakeConnStore{conns: []Connection{{TenantID: "tenant-1", SaaSName: "acme-saas"}}}
	lookup := func(context.Context, string, string) (string, string, error) {
		return "client-id", "client-secret", nil
	}

	r := New(connStore, credStore, lookup, time.Hour, time.Hour, logr.Discard())
	r.resolveTokenURL = func(string, string) (string, bool) { return server.URL, true }

	r.sweepOnce(context.Background())

	assert.Len(t, connStore.activeCalls, 1)
	assert.Empty(t, connStore.expiredCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefresher_SkipsConnectionNotExpiring(t *testing.T) {
	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").
		WillReturnRows(sqlmock.NewRows(expiredRowColumns()).AddRow(
			"tenant-1", "acme-saas", "still-good", nil,
			time.Now().Add(time.Hour), nil, []byte("{}"), time.Now(),
		))

	connStore := &fakeConnStore{conns: []Connection{{TenantID: "tenant-1", SaaSName: "acme-saas"}}}
	r := New(connStore, credStore, nil, time.Hour, 5*time.Minute, logr.Discard())

	r.sweepOnce(context.Background())

	assert.Empty(t, connStore.activeCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefresher_MarksExpiredOnMissingRefreshToken(t *testing.T) {
	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").
		WillReturnRows(sqlmock.NewRows(expiredRowColumns()).AddRow(
			"tenant-1", "acme-saas", "old-access-token", nil,
			time.Now().Add(-time.Minute), nil, []byte("{}"), time.Now(),
		))

	connStore := &fakeConnStore{conns: []Connection{{TenantID: "tenant-1", SaaSName: "acme-saas"}}}
	r := New(connStore, credStore, nil, time.Hour, time.Hour, logr.Discard())

	r.sweepOnce(context.Background())

	assert.Len(t, connStore.expiredCalls, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefresher_EnsureFresh_ReturnsRowUnchangedWhenFresh(t *testing.T) {
	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").
		WillReturnRows(sqlmock.NewRows(expiredRowColumns()).AddRow(
			"tenant-1", "acme-saas", "still-good", nil,
			time.Now().Add(time.Hour), nil, []byte("{}"), time.Now(),
		))

	connStore := &fakeConnStore{}
	r := New(connStore, credStore, nil, time.Hour, 5*time.Minute, logr.Discard())

	row, err := r.EnsureFresh(context.Background(), "tenant-1", "acme-saas")
	require.NoError(t, err)
	assert.Equal(t, "still-good", row.AccessToken)
}

func TestRefresher_EnsureFresh_ErrorsWhenNoCredentialOnFile(t *testing.T) {
	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").WillReturnError(sql.ErrNoRows)

	r := New(&fakeConnStore{}, credStore, nil, time.Hour, time.Hour, logr.Discard())

	_, err := r.EnsureFresh(context.Background(), "tenant-1", "acme-saas")
	assert.Error(t, err)
}

type fakeRefreshRecorder struct {
	saas       string
	ok         bool
	calls      int
	expiringAt int
}

func (f *fakeRefreshRecorder) RecordRefresh(saasName string, ok bool) {
	f.calls++
	f.saas, f.ok = saasName, ok
}

func (f *fakeRefreshRecorder) SetExpiringCredentials(n int) {
	f.expiringAt = n
}

func TestRefresher_SweepRecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access-token", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer server.Close()

	credStore, mock := newMockCredStore(t)
	mock.ExpectQuery("SELECT .* FROM credentials").
		WillReturnRows(sqlmock.NewRows(expiredRowColumns()).AddRow(
			"tenant-1", "acme-saas", "old-access-token", "old-refresh-token",
			time.Now().Add(-time.Minute), nil, []byte("{}"), time.Now(),
		))
	mock.ExpectExec("INSERT INTO credentials").WillReturnResult(sqlmock.NewResult(0, 1))

	connStore := &fakeConnStore{conns: []Connection{{TenantID: "tenant-1", SaaSName: "acme-saas"}}}
	lookup := func(context.Context, string, string) (string, string, error) { return "id", "secret", nil }

	recorder := &fakeRefreshRecorder{}
	r := New(connStore, credStore, lookup, time.Hour, time.Hour, logr.Discard()).WithMetrics(recorder)
	r.resolveTokenURL = func(string, string) (string, bool) { return server.URL, true }

	r.sweepOnce(context.Background())

	assert.Equal(t, 1, recorder.calls)
	assert.Equal(t, "acme-saas", recorder.saas)
	assert.True(t, recorder.ok)
	assert.Equal(t, 1, recorder.expiringAt)
}
