package taskcontroller

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/saas"
)

type fakeSaaSProvider struct {
	tools       []saas.ToolInfo
	connectErr  error
	execResults map[string]map[string]any
	execErrs    map[string]error
	connected   bool
}

func (p *fakeSaaSProvider) Name() string { return "acme" }
func (p *fakeSaaSProvider) Connect(context.Context, credentials.Row) error {
	p.connected = true
	return p.connectErr
}
func (p *fakeSaaSProvider) Disconnect(context.Context) error { p.connected = false; return nil }
func (p *fakeSaaSProvider) HealthCheck(context.Context) bool { return true }
func (p *fakeSaaSProvider) AvailableTools(context.Context) ([]saas.ToolInfo, error) {
	return p.tools, nil
}
func (p *fakeSaaSProvider) ExecuteTool(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	if err, ok := p.execErrs[name]; ok {
		return nil, err
	}
	return p.execResults[name], nil
}
func (p *fakeSaaSProvider) Schema(context.Context) (*openapi3.T, error) { return &openapi3.T{}, nil }
func (p *fakeSaaSProvider) OAuthAuthorizeURL(string, string) (string, bool) { return "", false }
func (p *fakeSaaSProvider) RefreshToken(context.Context, string) (*credentials.Row, error) {
	return nil, nil
}

type fakeCredentialSource struct{ row credentials.Row }

func (f *fakeCredentialSource) EnsureFresh(context.Context, string, string) (*credentials.Row, error) {
	return &f.row, nil
}

type fakeLLMProvider struct{ content string }

func (p *fakeLLMProvider) Name() string { return "fake" }
func (p *fakeLLMProvider) Invoke(context.Context, []llm.Message) (llm.Response, error) {
	return llm.Response{Content: p.content}, nil
}

func newTaskRepo(t *testing.T) (*persistence.TaskRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return persistence.NewTaskRepository(db, logr.Discard()), mock
}

func newRuleRepo(t *testing.T) (*persistence.RuleRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return persistence.NewRuleRepository(db, logr.Discard()), mock
}

func TestPlan_RejectsDeleteOperation(t *testing.T) {
	tasks, _ := newTaskRepo(t)
	provider := &fakeSaaSProvider{tools: []saas.ToolInfo{{Name: "delete_contact"}}}
	registry := saas.NewRegistry(map[string]saas.Provider{"acme": provider})
	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileHighQuality: &fakeLLMProvider{content: `{"plan_markdown":"do it","operations":[{"tool_name":"delete_contact","arguments":{}}]}`},
	}, logr.Discard())

	c := New(Config{Tasks: tasks, Registry: registry, LLMRouter: router, Log: logr.Discard()})
	err := c.Plan(context.Background(), "task-1", "t1", "acme", "remove stale contacts")
	assert.Error(t, err)
}

func TestPlan_RejectsTooManyOperations(t *testing.T) {
	tasks, _ := newTaskRepo(t)
	provider := &fakeSaaSProvider{tools: []saas.ToolInfo{{Name: "query_contacts"}}}
	registry := saas.NewRegistry(map[string]saas.Provider{"acme": provider})

	ops := make([]map[string]any, 0, MaxOperationsPerTask+1)
	for i := 0; i < MaxOperationsPerTask+1; i++ {
		ops = append(ops, map[string]any{"tool_name": "query_contacts", "arguments": map[string]any{}})
	}
	raw, err := json.Marshal(map[string]any{"plan_markdown": "x", "operations": ops})
	require.NoError(t, err)

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileHighQuality: &fakeLLMProvider{content: string(raw)},
	}, logr.Discard())

	c := New(Config{Tasks: tasks, Registry: registry, LLMRouter: router, Log: logr.Discard()})
	err = c.Plan(context.Background(), "task-1", "t1", "acme", "query everything")
	assert.Error(t, err)
}

func TestPlan_SavesValidPlan(t *testing.T) {
	tasks, mock := newTaskRepo(t)
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	provider := &fakeSaaSProvider{tools: []saas.ToolInfo{{Name: "query_contacts"}, {Name: "update_contact"}}}
	registry := saas.NewRegistry(map[string]saas.Provider{"acme": provider})
	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileHighQuality: &fakeLLMProvider{content: `{"plan_markdown":"plan","operations":[
			{"tool_name":"query_contacts","arguments":{}},
			{"tool_name":"update_contact","arguments":{"id":"1"}}
		]}`},
	}, logr.Discard())

	c := New(Config{Tasks: tasks, Registry: registry, LLMRouter: router, Log: logr.Discard()})
	err := c.Plan(context.Background(), "task-1", "t1", "acme", "sync contacts")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_PartialSuccessDoesNotShortCircuit(t *testing.T) {
	tasks, mock := newTaskRepo(t)

	ops, err := json.Marshal([]persistence.PlannedOperation{
		{ToolName: "op_one"}, {ToolName: "op_two"}, {ToolName: "op_three"},
	})
	require.NoError(t, err)
	mock.ExpectQuery("SELECT \\* FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "saas_name", "status", "planned_operations", "dry_run", "operation_count"}).
			AddRow("task-1", "t1", "acme", persistence.TaskExecuting, ops, false, 3))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	provider := &fakeSaaSProvider{
		execResults: map[string]map[string]any{"op_one": {"ok": true}, "op_three": {"ok": true}},
		execErrs:    map[string]error{"op_two": assertErr("boom")},
	}
	registry := saas.NewRegistry(map[string]saas.Provider{"acme": provider})
	creds := &fakeCredentialSource{row: credentials.Row{AccessToken: "tok"}}

	c := New(Config{Tasks: tasks, Registry: registry, Credential: creds, Log: logr.Discard()})
	err = c.Execute(context.Background(), "task-1", "t1")
	require.NoError(t, err)
	assert.False(t, provider.connected) // Disconnect ran
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestClassifyFailureCategory(t *testing.T) {
	assert.Equal(t, persistence.FailureAuth, classifyFailureCategory("token expired"))
	assert.Equal(t, persistence.FailureValidation, classifyFailureCategory("missing required field"))
	assert.Equal(t, persistence.FailureRateLimit, classifyFailureCategory("too many requests"))
	assert.Equal(t, persistence.FailureTimeout, classifyFailureCategory("request timed out"))
	assert.Equal(t, persistence.FailureAPIError, classifyFailureCategory("internal server error"))
}

func TestConsiderRuleProposal_DraftsWhenThresholdCrossed(t *testing.T) {
	tasks, mock := newTaskRepo(t)
	rules, ruleMock := newRuleRepo(t)

	mock.ExpectQuery("SELECT saas_name").
		WillReturnRows(sqlmock.NewRows([]string{"saas_name", "failure_category", "failure_reason_normalized", "count"}).
			AddRow("acme", persistence.FailureAuth, "token expired", 3))
	ruleMock.ExpectQuery("SELECT id FROM rule_change_proposals").WillReturnError(sql.ErrNoRows)
	ruleMock.ExpectExec("INSERT INTO rule_change_proposals").WillReturnResult(sqlmock.NewResult(0, 1))

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileHighQuality: &fakeLLMProvider{content: "Always refresh tokens before first use."},
	}, logr.Discard())

	c := New(Config{Tasks: tasks, Rules: rules, LLMRouter: router, Log: logr.Discard()})
	err := c.considerRuleProposal(context.Background(), "task-1", "t1", "acme", persistence.FailureAuth, "token expired")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, ruleMock.ExpectationsWereMet())
}
