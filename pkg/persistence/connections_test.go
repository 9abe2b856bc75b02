package persistence

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnRepoMock(t *testing.T) (*ConnectionRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewConnectionRepository(db, logr.Discard()), mock
}

func TestListActiveOAuthConnections_MapsToRefresherShape(t *testing.T) {
	repo, mock := newConnRepoMock(t)
	mock.ExpectQuery("SELECT \\* FROM connections").
		WithArgs(AuthMethodOAuth2, ConnectionDisabled).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "saas_name", "department", "auth_method", "status",
			"instance_url", "scopes", "last_used_at", "last_health_check_at",
		}).AddRow(
			"conn-1", "tenant-1", "salesforce", nil, AuthMethodOAuth2, ConnectionActive,
			"https://acme.my.salesforce.com", nil, nil, nil,
		))

	conns, err := repo.ListActiveOAuthConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "tenant-1", conns[0].TenantID)
	assert.Equal(t, "salesforce", conns[0].SaaSName)
	assert.Equal(t, "https://acme.my.salesforce.com", conns[0].InstanceURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkActive_UpdatesStatus(t *testing.T) {
	repo, mock := newConnRepoMock(t)
	mock.ExpectExec("UPDATE connections SET status").
		WithArgs(ConnectionActive, "tenant-1", "salesforce").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkActive(context.Background(), "tenant-1", "salesforce")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTokenExpired_UpdatesStatus(t *testing.T) {
	repo, mock := newConnRepoMock(t)
	mock.ExpectExec("UPDATE connections SET status").
		WithArgs(ConnectionTokenExpired, "tenant-1", "salesforce").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkTokenExpired(context.Background(), "tenant-1", "salesforce", "missing refresh token")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
