// Package runcontroller composes the scheduler, sandbox, guardrails,
// persistence, llm, and vcs packages into the code track's two-phase
// pipeline (spec.md §4.1, C7): classifier/spec in phase 1 (paused for
// human approval at spec_review), coder/review_guardrails/fix/publisher in
// phase 2. Grounded on the node wiring in
// _examples/original_source/unicorn_agent/graph.go (spec_agent -> coder_agent
// -> review_guardrails -> {github_publisher | fix_agent -> coder_agent} ->
// END) translated from LangGraph's StateGraph onto this module's own
// scheduler.Graph.
package runcontroller

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/guardrails"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/sandbox"
	"github.com/yuhi-dope/ai-agent-all/pkg/scheduler"
	"github.com/yuhi-dope/ai-agent-all/pkg/vcs"
)

// MaxRetry bounds the fix-loop: review_guardrails routes to fix while
// retry_count < MaxRetry, and to END (review_ng) otherwise (spec.md §4.1).
const MaxRetry = 3

// FixHistoryDepth is how many trailing error_logs entries feed the next fix
// instruction (spec.md §4.1: "last N (default 10) entries").
const FixHistoryDepth = 10

const (
	stageClassifier = "classifier"
	stageSpec       = "spec"
	stageCoder      = "coder"
	stageReview     = "review_guardrails"
	stageFix        = "fix"
	stagePublisher  = "publisher"
)

// sandboxHandle is the subset of *sandbox.Sandbox the controller's stages
// need; declared locally so tests can substitute a fake without a Docker
// daemon.
type sandboxHandle interface {
	WriteFile(ctx context.Context, rel string, data []byte) error
	ReadFile(ctx context.Context, rel string) ([]byte, error)
	ListFiles(ctx context.Context, rel string) ([]string, error)
	RunCommand(ctx context.Context, argv []string, deadline time.Duration) (sandbox.CommandResult, error)
	GetAuditLog() []sandbox.AuditEntry
	Close(ctx context.Context) error
}

// SandboxOpener opens a fresh sandbox for one run's phase-2 execution.
type SandboxOpener func(ctx context.Context, cfg sandbox.Config, log logr.Logger) (sandboxHandle, error)

// DefaultSandboxOpener adapts sandbox.Open to the SandboxOpener shape.
func DefaultSandboxOpener(ctx context.Context, cfg sandbox.Config, log logr.Logger) (sandboxHandle, error) {
	return sandbox.Open(ctx, cfg, log)
}

// Controller drives one tenant's code-track runs end to end.
type Controller struct {
	runs          *persistence.RunRepository
	audit         *persistence.AuditRepository
	llmRouter     *llm.Router
	openSandbox   SandboxOpener
	sandboxCfg    sandbox.Config
	vcsFor        func(tenantID string) (vcs.Adapter, error)
	guardrailsCfg guardrails.Config
	rulesFor      func(ctx context.Context, genre string) string
	log           logr.Logger

	autoExecuteFor func(ctx context.Context, tenantID string) (bool, error)

	phase1 *scheduler.Graph
	phase2 *scheduler.Graph
	merged *scheduler.Graph
}

// Config bundles the collaborators a Controller needs. vcsFor and rulesFor
// may be nil (no PR is opened / no rule text is injected into fix
// instructions, respectively). AutoExecuteFor may also be nil, in which case
// every run takes the auto-off path (spec.md §4.6).
type Config struct {
	Runs           *persistence.RunRepository
	Audit          *persistence.AuditRepository
	LLMRouter      *llm.Router
	OpenSandbox    SandboxOpener
	SandboxCfg     sandbox.Config
	VCSFor         func(tenantID string) (vcs.Adapter, error)
	GuardrailsCfg  guardrails.Config
	RulesFor       func(ctx context.Context, genre string) string
	AutoExecuteFor func(ctx context.Context, tenantID string) (bool, error)
	Log            logr.Logger
}

// New builds a Controller and compiles its two graphs once.
func New(cfg Config) *Controller {
	opener := cfg.OpenSandbox
	if opener == nil {
		opener = DefaultSandboxOpener
	}
	c := &Controller{
		runs:           cfg.Runs,
		audit:          cfg.Audit,
		llmRouter:      cfg.LLMRouter,
		openSandbox:    opener,
		sandboxCfg:     cfg.SandboxCfg,
		vcsFor:         cfg.VCSFor,
		guardrailsCfg:  cfg.GuardrailsCfg,
		rulesFor:       cfg.RulesFor,
		autoExecuteFor: cfg.AutoExecuteFor,
		log:            cfg.Log,
	}
	c.phase1 = c.buildPhase1Graph()
	c.phase2 = c.buildPhase2Graph()
	c.merged = c.buildMergedGraph()
	return c
}

// WithObserver attaches obs to every graph so every classifier/spec/coder/
// review/fix/publisher stage reports through it, regardless of which path a
// given run takes.
func (c *Controller) WithObserver(obs scheduler.StageObserver) *Controller {
	c.phase1.WithObserver(obs)
	c.phase2.WithObserver(obs)
	c.merged.WithObserver(obs)
	return c
}

func (c *Controller) buildPhase1Graph() *scheduler.Graph {
	g := scheduler.New(stageClassifier).WithAppendKeys("error_logs")
	g.AddStage(stageClassifier, c.classifierStage)
	g.AddStage(stageSpec, c.specStage)
	g.AddEdge(stageClassifier, stageSpec)
	g.AddEdge(stageSpec, scheduler.END)
	g.WithTimeouts(180*time.Second, 180*time.Second,
		func(stage string, timeout time.Duration) scheduler.State {
			return scheduler.State{"status": persistence.RunFailed, "error_logs": []string{"stage " + stage + " timed out"}}
		},
		func() scheduler.State { return scheduler.State{"status": persistence.RunTimeout} },
	)
	return g
}

func (c *Controller) buildPhase2Graph() *scheduler.Graph {
	g := scheduler.New(stageCoder).WithAppendKeys("error_logs")
	g.AddStage(stageCoder, c.coderStage)
	g.AddStage(stageReview, c.reviewGuardrailsStage)
	g.AddStage(stageFix, c.fixStage)
	g.AddStage(stagePublisher, c.publisherStage)
	g.AddEdge(stageCoder, stageReview)
	g.AddConditionalEdge(stageReview, routeAfterReview, map[string]string{
		"publisher": stagePublisher,
		"fix":       stageFix,
		"__end__":   scheduler.END,
	})
	g.AddEdge(stageFix, stageCoder)
	g.AddEdge(stagePublisher, scheduler.END)
	g.WithTimeouts(180*time.Second, 15*time.Minute,
		func(stage string, timeout time.Duration) scheduler.State {
			return scheduler.State{"status": "review_ng", "error_logs": []string{"stage " + stage + " timed out"}}
		},
		func() scheduler.State { return scheduler.State{"status": persistence.RunTimeout} },
	)
	return g
}

// buildMergedGraph composes phase 1 and phase 2 into the single graph the
// auto-on path executes end to end, without the spec_review pause: classifier
// -> spec -> coder -> review_guardrails -> {publisher | fix -> coder} -> END
// (spec.md §4.6, "auto on").
func (c *Controller) buildMergedGraph() *scheduler.Graph {
	g := scheduler.New(stageClassifier).WithAppendKeys("error_logs")
	g.AddStage(stageClassifier, c.classifierStage)
	g.AddStage(stageSpec, c.specStage)
	g.AddStage(stageCoder, c.coderStage)
	g.AddStage(stageReview, c.reviewGuardrailsStage)
	g.AddStage(stageFix, c.fixStage)
	g.AddStage(stagePublisher, c.publisherStage)
	g.AddEdge(stageClassifier, stageSpec)
	g.AddEdge(stageSpec, stageCoder)
	g.AddEdge(stageCoder, stageReview)
	g.AddConditionalEdge(stageReview, routeAfterReview, map[string]string{
		"publisher": stagePublisher,
		"fix":       stageFix,
		"__end__":   scheduler.END,
	})
	g.AddEdge(stageFix, stageCoder)
	g.AddEdge(stagePublisher, scheduler.END)
	g.WithTimeouts(180*time.Second, 15*time.Minute,
		func(stage string, timeout time.Duration) scheduler.State {
			return scheduler.State{"status": "review_ng", "error_logs": []string{"stage " + stage + " timed out"}}
		},
		func() scheduler.State { return scheduler.State{"status": persistence.RunTimeout} },
	)
	return g
}

// routeAfterReview mirrors unicorn_agent's route_after_review: publish on a
// clean pass, loop back to fix while under the retry budget, otherwise end
// the run in review_ng (spec.md §4.1, "Retry policy inside the graph").
func routeAfterReview(state scheduler.State) string {
	passed, _ := state["guardrails_passed"].(bool)
	if passed {
		return "publisher"
	}
	retryCount, _ := state["retry_count"].(int)
	if retryCount < MaxRetry {
		return "fix"
	}
	return scheduler.END
}

// StartRun begins a brand-new requirement, branching on the tenant's
// auto_execute setting (spec.md §4.6): auto on builds and executes the
// merged phase-1+phase-2 graph end to end and persists one completed run
// row; auto off (the default, and the behavior when no AutoExecuteFor is
// configured) runs phase 1 only and persists a spec_review snapshot
// awaiting approval.
func (c *Controller) StartRun(ctx context.Context, runID, tenantID, requirement string) (scheduler.State, error) {
	autoExecute := false
	if c.autoExecuteFor != nil {
		ae, err := c.autoExecuteFor(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		autoExecute = ae
	}

	initial := scheduler.State{
		"run_id":      runID,
		"tenant_id":   tenantID,
		"requirement": requirement,
		"retry_count": 0,
	}

	if autoExecute {
		return c.startRunMerged(ctx, runID, tenantID, requirement, initial)
	}
	return c.startRunSpecReview(ctx, runID, tenantID, initial)
}

// startRunSpecReview runs phase 1 (classifier -> spec) and persists the
// result as a spec_review snapshot awaiting approval.
func (c *Controller) startRunSpecReview(ctx context.Context, runID, tenantID string, initial scheduler.State) (scheduler.State, error) {
	final := c.phase1.Execute(ctx, initial)

	snapshot, err := marshalState(final)
	if err != nil {
		return final, err
	}
	if err := c.runs.PersistSpecSnapshot(ctx, runID, tenantID, snapshot); err != nil {
		return final, err
	}
	return final, nil
}

// startRunMerged drives the merged graph end to end and persists a single
// completed run row (spec.md §4.6, "auto on").
func (c *Controller) startRunMerged(ctx context.Context, runID, tenantID, requirement string, initial scheduler.State) (scheduler.State, error) {
	final := c.merged.Execute(ctx, initial)

	run := runFromState(runID, tenantID, requirement, final)
	if _, err := c.runs.PersistRun(ctx, run); err != nil {
		return final, err
	}
	if c.audit != nil {
		if records, ok := final["audit_records"].([]persistence.AuditRecord); ok {
			c.audit.PersistAuditLogs(ctx, tenantID, records)
		}
	}
	return final, nil
}

// ResumeRun rehydrates a spec_review run's state and executes phase 2
// (coder -> review_guardrails -> {publisher | fix -> coder} -> END).
func (c *Controller) ResumeRun(ctx context.Context, runID, tenantID string) (scheduler.State, error) {
	raw, err := c.runs.LoadSnapshot(ctx, runID, tenantID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, apperrors.New(apperrors.ErrorTypeConflict, "run is not awaiting spec review")
	}
	initial, err := unmarshalState(raw)
	if err != nil {
		return nil, err
	}
	if err := c.runs.ClearSnapshot(ctx, runID, tenantID); err != nil {
		return nil, err
	}

	final := c.phase2.Execute(ctx, initial)

	status, _ := final["status"].(string)
	if status == "" {
		status = persistence.RunFailed
	}
	retryCount, _ := final["retry_count"].(int)
	var lastErr string
	if logs, ok := final["error_logs"].([]string); ok && len(logs) > 0 {
		lastErr = logs[len(logs)-1]
	}
	if err := c.runs.UpdateRunStatus(ctx, runID, tenantID, status, retryCount, lastErr); err != nil {
		return final, err
	}
	if c.audit != nil {
		if records, ok := final["audit_records"].([]persistence.AuditRecord); ok {
			c.audit.PersistAuditLogs(ctx, tenantID, records)
		}
	}
	return final, nil
}
