package taskcontroller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
)

// Execute runs an approved task's plan to completion: each operation gets
// a fresh credential (triggering on-demand refresh), is invoked against the
// SaaS adapter, and its outcome is appended to the result summary. A
// per-operation failure is recorded but never short-circuits the remaining
// operations (spec.md §4.7, "Executor": "partial success is a valid
// outcome").
func (c *Controller) Execute(ctx context.Context, taskID, tenantID string) error {
	task, err := c.tasks.GetTask(ctx, taskID, tenantID)
	if err != nil {
		return err
	}
	if task == nil {
		return apperrors.New(apperrors.ErrorTypeNotFound, "task not found")
	}
	if task.Status != persistence.TaskExecuting {
		return apperrors.New(apperrors.ErrorTypeConflict, "task is not in the executing status")
	}

	var ops []persistence.PlannedOperation
	if err := json.Unmarshal(task.PlannedOperations, &ops); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal planned operations failed")
	}

	provider, ok := c.registry.Get(task.SaaSName)
	if !ok {
		return apperrors.New(apperrors.ErrorTypeValidation, "unknown saas provider").WithDetailsf("saas=%s", task.SaaSName)
	}

	row, err := c.creds.EnsureFresh(ctx, tenantID, task.SaaSName)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "credential refresh failed")
	}
	if err := provider.Connect(ctx, *row); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "saas connect failed")
	}
	defer provider.Disconnect(ctx)

	start := time.Now()
	summary := persistence.ResultSummary{}
	var firstFailure string

	for _, op := range ops {
		result, execErr := c.registry.ExecuteTool(ctx, task.SaaSName, op.ToolName, op.Arguments)
		if execErr != nil {
			summary.Failures++
			if len(summary.Errors) < MaxReportedErrors {
				summary.Errors = append(summary.Errors, truncateError(execErr.Error()))
			}
			if firstFailure == "" {
				firstFailure = execErr.Error()
			}
			continue
		}
		_ = result
		summary.Successes++
	}

	durationMS := time.Since(start).Milliseconds()
	if err := c.tasks.SaveResult(ctx, taskID, tenantID, summary, durationMS); err != nil {
		return err
	}

	if summary.Failures == 0 {
		return nil
	}

	category := classifyFailureCategory(firstFailure)
	if err := c.tasks.RecordFailure(ctx, taskID, tenantID, firstFailure, category); err != nil {
		return err
	}

	return c.considerRuleProposal(ctx, taskID, tenantID, task.SaaSName, category, firstFailure)
}

// considerRuleProposal checks whether this failure pushed a
// (saas, category, normalized-reason) triple over RuleProposalThreshold and,
// if so, asks an LLM to draft a short rule addition and saves it as a
// pending proposal (spec.md §4.7, "Learning feedback"). No task body data
// leaves this step; only the normalized reason and category are ever
// handed to the LLM.
func (c *Controller) considerRuleProposal(ctx context.Context, taskID, tenantID, saasName, category, reason string) error {
	if c.rules == nil {
		return nil
	}
	patterns, err := c.tasks.GetFailurePatterns(ctx, tenantID, saasName, RuleProposalThreshold)
	if err != nil {
		return err
	}
	for _, p := range patterns {
		if p.Category != category {
			continue
		}
		proposedText, draftErr := c.draftRuleAddition(ctx, saasName, p)
		if draftErr != nil {
			return draftErr
		}
		_, saveErr := c.rules.SavePendingImprovements(ctx, taskID, ruleDocName(saasName), proposedText, category)
		if saveErr != nil {
			return saveErr
		}
	}
	return nil
}

func ruleDocName(saasName string) string {
	return saasName + "-rules"
}
