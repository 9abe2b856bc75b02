package runcontroller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuhi-dope/ai-agent-all/pkg/guardrails"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/sandbox"
)

type fakeSandbox struct {
	files map[string][]byte
}

func newFakeSandbox() *fakeSandbox { return &fakeSandbox{files: map[string][]byte{}} }

func (f *fakeSandbox) WriteFile(_ context.Context, rel string, data []byte) error {
	f.files[rel] = data
	return nil
}
func (f *fakeSandbox) ReadFile(_ context.Context, rel string) ([]byte, error) { return f.files[rel], nil }
func (f *fakeSandbox) ListFiles(_ context.Context, _ string) ([]string, error) {
	var out []string
	for k := range f.files {
		out = append(out, k)
	}
	return out, nil
}
func (f *fakeSandbox) RunCommand(_ context.Context, _ []string, _ time.Duration) (sandbox.CommandResult, error) {
	return sandbox.CommandResult{ExitCode: 0}, nil
}
func (f *fakeSandbox) GetAuditLog() []sandbox.AuditEntry { return nil }
func (f *fakeSandbox) Close(context.Context) error       { return nil }

type fakeLLMProvider struct {
	name     string
	response llm.Response
}

func (p *fakeLLMProvider) Name() string { return p.name }
func (p *fakeLLMProvider) Invoke(context.Context, []llm.Message) (llm.Response, error) {
	return p.response, nil
}

// fakeLLMSequence returns its canned responses in order, holding on the last
// one once exhausted — needed where a single profile backs more than one
// stage in the same run (e.g. classifier and coder both on ProfileLowCost).
type fakeLLMSequence struct {
	name      string
	responses []llm.Response
	i         int
}

func (p *fakeLLMSequence) Name() string { return p.name }
func (p *fakeLLMSequence) Invoke(context.Context, []llm.Message) (llm.Response, error) {
	r := p.responses[p.i]
	if p.i < len(p.responses)-1 {
		p.i++
	}
	return r, nil
}

func newRunRepo(t *testing.T) (*persistence.RunRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return persistence.NewRunRepository(db, logr.Discard()), mock
}

func TestStartRun_PersistsSpecSnapshot(t *testing.T) {
	runs, mock := newRunRepo(t)
	mock.ExpectExec("UPDATE runs SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileLowCost:     &fakeLLMProvider{name: "bedrock", response: llm.Response{Content: `{"genre":"crm","subcategory":"lead"}`}},
		llm.ProfileHighQuality: &fakeLLMProvider{name: "anthropic", response: llm.Response{Content: "# Spec\n\ndo the thing"}},
	}, logr.Discard())

	c := New(Config{
		Runs:      runs,
		LLMRouter: router,
		Log:       logr.Discard(),
	})

	final, err := c.StartRun(context.Background(), "run-1", "t1", "add a widget")
	require.NoError(t, err)
	assert.Equal(t, "crm", final["genre"])
	assert.Equal(t, persistence.RunSpecDone, final["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRun_AutoExecute_PublishesEndToEnd(t *testing.T) {
	runs, mock := newRunRepo(t)
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(1, 1))

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileLowCost: &fakeLLMSequence{name: "bedrock", responses: []llm.Response{
			{Content: `{"genre":"web","subcategory":"greeting"}`},
			{Content: `{"main.go":"package main\n\nfunc main() { println(\"Hello World\") }"}`},
		}},
		llm.ProfileHighQuality: &fakeLLMProvider{name: "anthropic", response: llm.Response{Content: "# Spec\n\nsay hello"}},
	}, logr.Discard())

	sb := newFakeSandbox()
	c := New(Config{
		Runs:           runs,
		LLMRouter:      router,
		OpenSandbox:    func(context.Context, sandbox.Config, logr.Logger) (sandboxHandle, error) { return sb, nil },
		GuardrailsCfg:  guardrails.Config{MaxLinesPerPush: 200},
		AutoExecuteFor: func(context.Context, string) (bool, error) { return true, nil },
		Log:            logr.Discard(),
	})

	final, err := c.StartRun(context.Background(), "run-1", "t1", "say hello")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunPublished, final["status"])
	files, _ := final["generated_code"].(map[string]string)
	assert.Contains(t, files["main.go"], "Hello World")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRun_AutoOff_NoAutoExecuteFor_PausesAtSpecReview(t *testing.T) {
	runs, mock := newRunRepo(t)
	mock.ExpectExec("UPDATE runs SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileLowCost:     &fakeLLMProvider{name: "bedrock", response: llm.Response{Content: `{"genre":"crm","subcategory":"lead"}`}},
		llm.ProfileHighQuality: &fakeLLMProvider{name: "anthropic", response: llm.Response{Content: "# Spec\n\ndo the thing"}},
	}, logr.Discard())

	c := New(Config{Runs: runs, LLMRouter: router, Log: logr.Discard()})

	final, err := c.StartRun(context.Background(), "run-1", "t1", "add a widget")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunSpecDone, final["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeRun_PublishesOnCleanReview(t *testing.T) {
	runs, mock := newRunRepo(t)

	snapshot, err := json.Marshal(map[string]any{
		"run_id": "run-1", "tenant_id": "t1", "requirement": "add a widget",
		"spec_markdown": "# Spec", "retry_count": 0,
	})
	require.NoError(t, err)
	mock.ExpectQuery("SELECT status, state_snapshot FROM runs").
		WillReturnRows(sqlmock.NewRows([]string{"status", "state_snapshot"}).
			AddRow(persistence.RunSpecReview, snapshot))
	mock.ExpectExec("UPDATE runs SET status").WillReturnResult(sqlmock.NewResult(0, 1)) // ClearSnapshot
	mock.ExpectExec("UPDATE runs SET status").WillReturnResult(sqlmock.NewResult(0, 1)) // UpdateRunStatus

	router := llm.NewRouter(map[string]llm.Provider{
		llm.ProfileLowCost: &fakeLLMProvider{name: "bedrock", response: llm.Response{Content: `{"main.go":"package main"}`}},
	}, logr.Discard())

	sb := newFakeSandbox()
	c := New(Config{
		Runs:          runs,
		LLMRouter:     router,
		OpenSandbox:   func(context.Context, sandbox.Config, logr.Logger) (sandboxHandle, error) { return sb, nil },
		GuardrailsCfg: guardrails.Config{MaxLinesPerPush: 200},
		Log:           logr.Discard(),
	})

	final, err := c.ResumeRun(context.Background(), "run-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, persistence.RunPublished, final["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeRun_ErrorsWhenNotAwaitingReview(t *testing.T) {
	runs, mock := newRunRepo(t)
	mock.ExpectQuery("SELECT status, state_snapshot FROM runs").
		WillReturnRows(sqlmock.NewRows([]string{"status", "state_snapshot"}).
			AddRow(persistence.RunCoding, []byte(`{}`)))

	c := New(Config{Runs: runs, Log: logr.Discard()})
	_, err := c.ResumeRun(context.Background(), "run-1", "t1")
	assert.Error(t, err)
}

func TestRouteAfterReview(t *testing.T) {
	assert.Equal(t, "publisher", routeAfterReview(map[string]any{"guardrails_passed": true}))
	assert.Equal(t, "fix", routeAfterReview(map[string]any{"guardrails_passed": false, "retry_count": 1}))
	assert.Equal(t, "__end__", routeAfterReview(map[string]any{"guardrails_passed": false, "retry_count": 3}))
}
