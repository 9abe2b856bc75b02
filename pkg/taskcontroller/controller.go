// Package taskcontroller composes persistence, the credential refresher,
// saas, and llm into the SaaS track's two-phase pipeline (spec.md §4.7,
// C8): planner drafts and persists an operation plan awaiting approval;
// executor runs the approved plan operation by operation and a reporter
// summarizes the outcome. Grounded on
// _examples/original_source/develop_agent/nodes/{planner,executor,reporter}.py's
// node shape, translated onto explicit Go methods instead of LangGraph
// nodes since this track has no branching beyond the approval gate.
package taskcontroller

import (
	"context"
	"strings"

	"github.com/go-logr/logr"

	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/saas"
)

// MaxOperationsPerTask bounds a single plan (spec.md §4.7).
const MaxOperationsPerTask = 10

// RuleProposalThreshold is the minimum occurrence count of a (saas,
// category, normalized-reason) triple before a rule-change proposal is
// drafted (spec.md §4.7, "Learning feedback": "default 2-3").
const RuleProposalThreshold = 3

// MaxReportedErrors caps the truncated error strings kept in a
// persistence.ResultSummary (spec.md §4.7: "up to ten").
const MaxReportedErrors = 10

// CredentialSource supplies a fresh, non-expired credential on demand,
// refreshing it first if it's within the refresher's buffer window.
// Satisfied by *refresher.Refresher.
type CredentialSource interface {
	EnsureFresh(ctx context.Context, tenantID, saasName string) (*credentials.Row, error)
}

// Controller drives one tenant's SaaS tasks end to end.
type Controller struct {
	tasks     *persistence.TaskRepository
	rules     *persistence.RuleRepository
	registry  *saas.Registry
	creds     CredentialSource
	llmRouter *llm.Router
	rulesFor  func(ctx context.Context, saasName string) string
	log       logr.Logger
}

// Config bundles the collaborators a Controller needs. RulesFor may be nil
// (no static per-SaaS rule text is injected into the planner prompt).
type Config struct {
	Tasks      *persistence.TaskRepository
	Rules      *persistence.RuleRepository
	Registry   *saas.Registry
	Credential CredentialSource
	LLMRouter  *llm.Router
	RulesFor   func(ctx context.Context, saasName string) string
	Log        logr.Logger
}

func New(cfg Config) *Controller {
	return &Controller{
		tasks:     cfg.Tasks,
		rules:     cfg.Rules,
		registry:  cfg.Registry,
		creds:     cfg.Credential,
		llmRouter: cfg.LLMRouter,
		rulesFor:  cfg.RulesFor,
		log:       cfg.Log,
	}
}

// classifyFailureCategory matches a failing message against the fixed
// keyword table (spec.md §4.7), case-insensitively.
func classifyFailureCategory(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "auth", "unauthorized", "token", "expired"):
		return persistence.FailureAuth
	case containsAny(lower, "validation", "invalid", "required", "missing"):
		return persistence.FailureValidation
	case containsAny(lower, "rate_limit", "too many", "throttl"):
		return persistence.FailureRateLimit
	case containsAny(lower, "timeout", "timed out"):
		return persistence.FailureTimeout
	default:
		return persistence.FailureAPIError
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateError(s string) string {
	const max = 300
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
