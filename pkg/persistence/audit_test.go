package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditRepoMock(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewAuditRepository(db, logr.Discard()), mock
}

func TestPersistAuditLogs_WritesEachRecord(t *testing.T) {
	repo, mock := newAuditRepoMock(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnResult(sqlmock.NewResult(2, 1))

	repo.PersistAuditLogs(context.Background(), "t1", []AuditRecord{
		{Tool: "list_contacts", Success: true, Timestamp: time.Now()},
		{Tool: "update_contact", Success: false, Error: "rate limited", Timestamp: time.Now()},
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistAuditLogs_SwallowsWriteFailure(t *testing.T) {
	repo, mock := newAuditRepoMock(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("boom"))

	assert.NotPanics(t, func() {
		repo.PersistAuditLogs(context.Background(), "t1", []AuditRecord{{Tool: "list_contacts"}})
	})
}

func TestListAuditLogs_DefaultsLimit(t *testing.T) {
	repo, mock := newAuditRepoMock(t)
	mock.ExpectQuery("SELECT tool, arguments").
		WithArgs("t1", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"tool", "arguments", "success", "error", "elapsed_ms", "source", "saas_name", "connection_id", "genre", "created_at",
		}).AddRow("list_contacts", []byte(`{}`), true, "", 120, "saas", "acme", "conn-1", "crm", time.Now()))

	logs, err := repo.ListAuditLogs(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, "list_contacts", logs[0].Tool)
}
