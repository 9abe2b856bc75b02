package taskcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/saas"
)

const plannerSystemPrompt = "You are planning a sequence of SaaS tool calls to satisfy a task description. " +
	"Use only the advertised tools. Prefer read operations before writes. Never plan a delete operation. " +
	"Respond as JSON: {\"plan_markdown\": \"...\", \"operations\": [{\"tool_name\": \"...\", \"arguments\": {}}]}."

type plannerResponse struct {
	PlanMarkdown string                          `json:"plan_markdown"`
	Operations   []persistence.PlannedOperation `json:"operations"`
}

// Plan drafts an operation plan for taskID (spec.md §4.7, "Planner"): the
// task description, the SaaS adapter's advertised tools, static rule text,
// and recent failure warnings all feed the prompt. The plan is validated
// against the read-before-write / no-delete / MaxOperationsPerTask rules
// before it's persisted; a rule violation fails the task rather than
// silently truncating or reordering the LLM's plan.
func (c *Controller) Plan(ctx context.Context, taskID, tenantID, saasName, description string) error {
	provider, ok := c.registry.Get(saasName)
	if !ok {
		return apperrors.New(apperrors.ErrorTypeValidation, "unknown saas provider").WithDetailsf("saas=%s", saasName)
	}
	tools, err := provider.AvailableTools(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "list available tools failed")
	}

	var toolLines strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&toolLines, "- %s: %s\n", t.Name, t.Description)
	}

	var rulesText string
	if c.rulesFor != nil {
		rulesText = c.rulesFor(ctx, saasName)
	}

	var warnings string
	if patterns, patErr := c.tasks.GetFailurePatterns(ctx, tenantID, saasName, 0); patErr == nil {
		for _, p := range patterns {
			warnings += fmt.Sprintf("- %s occurred %d times previously: %s\n", p.Category, p.Count, p.NormalizedReason)
		}
	}

	userPrompt := fmt.Sprintf("Task: %s\n\nAvailable tools:\n%s\nRules:\n%s\nRecent failure warnings:\n%s",
		description, toolLines.String(), rulesText, warnings)

	resp, err := c.llmRouter.Invoke(ctx, llm.ProfileHighQuality, []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return err
	}

	var parsed plannerResponse
	if jsonErr := json.Unmarshal([]byte(resp.Content), &parsed); jsonErr != nil {
		return apperrors.Wrap(jsonErr, apperrors.ErrorTypeUpstream, "planner produced non-JSON output")
	}

	if err := validatePlan(parsed.Operations, tools); err != nil {
		return err
	}

	return c.tasks.SavePlan(ctx, taskID, tenantID, parsed.PlanMarkdown, parsed.Operations)
}

// validatePlan enforces spec.md §4.7's three rules: at most
// MaxOperationsPerTask steps, no delete operation anywhere in the plan, and
// no read operation scheduled after the first write operation (reads must
// come before writes).
func validatePlan(ops []persistence.PlannedOperation, tools []saas.ToolInfo) error {
	if len(ops) == 0 {
		return apperrors.New(apperrors.ErrorTypeValidation, "planner produced an empty plan")
	}
	if len(ops) > MaxOperationsPerTask {
		return apperrors.New(apperrors.ErrorTypeValidation, "plan exceeds MaxOperationsPerTask").
			WithDetailsf("count=%d max=%d", len(ops), MaxOperationsPerTask)
	}

	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}

	sawWrite := false
	for i, op := range ops {
		if !known[op.ToolName] {
			return apperrors.New(apperrors.ErrorTypeValidation, "plan references an unknown tool").
				WithDetailsf("tool=%s", op.ToolName)
		}
		if isDeleteOperation(op.ToolName) {
			return apperrors.New(apperrors.ErrorTypeValidation, "plan includes a delete operation, which is never allowed").
				WithDetailsf("tool=%s step=%d", op.ToolName, i)
		}
		switch {
		case isWriteOperation(op.ToolName):
			sawWrite = true
		case isReadOperation(op.ToolName) && sawWrite:
			return apperrors.New(apperrors.ErrorTypeValidation, "plan schedules a read operation after a write operation").
				WithDetailsf("tool=%s step=%d", op.ToolName, i)
		}
	}
	return nil
}

func isDeleteOperation(toolName string) bool {
	lower := strings.ToLower(toolName)
	return strings.Contains(lower, "delete") || strings.Contains(lower, "remove") || strings.Contains(lower, "purge")
}

func isWriteOperation(toolName string) bool {
	lower := strings.ToLower(toolName)
	return containsAny(lower, "create", "update", "insert", "set_", "submit", "post_", "write")
}

func isReadOperation(toolName string) bool {
	lower := strings.ToLower(toolName)
	return containsAny(lower, "query", "get_", "list_", "describe", "fetch", "read_", "search")
}
