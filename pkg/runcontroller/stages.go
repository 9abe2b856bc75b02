package runcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuhi-dope/ai-agent-all/pkg/guardrails"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/scheduler"
)

const classifierSystemPrompt = "Classify the requirement into a short genre and subcategory label. Respond as JSON: {\"genre\": \"...\", \"subcategory\": \"...\"}."

const specSystemPrompt = "Write a concise technical spec in markdown for the given requirement, including the files that will need to change."

const coderSystemPrompt = "Generate the code changes for the given spec. Respond as JSON mapping relative file path to full file content: {\"path/to/file.go\": \"...\"}."

// classifierOverrideThreshold is the minimum LLM confidence required to
// override a user-supplied genre (spec.md §4.6).
const classifierOverrideThreshold = 0.85

// classifierStage labels a requirement's genre/subcategory so downstream
// rule lookups and failure-pattern aggregation can key on it (spec.md §4.7
// mirrors this classification for SaaS tasks; the code track does the same
// for requirements, grounded on
// _examples/original_source/unicorn_agent/nodes/spec_agent.py's upstream
// triage step). A genre already present on the incoming state is treated as
// user-supplied and kept unless the LLM reports high confidence in a
// different one, in which case the override and its reason are recorded.
func (c *Controller) classifierStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	requirement, _ := state["requirement"].(string)
	userGenre, _ := state["genre"].(string)

	resp, err := c.llmRouter.Invoke(ctx, llm.ProfileLowCost, []llm.Message{
		{Role: "system", Content: classifierSystemPrompt},
		{Role: "user", Content: requirement},
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Genre       string  `json:"genre"`
		Subcategory string  `json:"subcategory"`
		Confidence  float64 `json:"confidence"`
	}
	if jsonErr := json.Unmarshal([]byte(resp.Content), &parsed); jsonErr != nil {
		parsed.Genre = "general"
	}

	delta := scheduler.State{
		"subcategory":   parsed.Subcategory,
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}
	switch {
	case userGenre == "" || userGenre == parsed.Genre:
		delta["genre"] = parsed.Genre
	case parsed.Confidence >= classifierOverrideThreshold:
		delta["genre"] = parsed.Genre
		delta["override_reason"] = fmt.Sprintf(
			"classifier overrode user genre %q with %q at %.2f confidence",
			userGenre, parsed.Genre, parsed.Confidence)
	default:
		delta["genre"] = userGenre
	}
	return delta, nil
}

// specStage drafts the technical spec a human approves before phase 2
// begins (spec.md §4.1, "paused for spec_review").
func (c *Controller) specStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	requirement, _ := state["requirement"].(string)
	genre, _ := state["genre"].(string)
	resp, err := c.llmRouter.Invoke(ctx, llm.ProfileHighQuality, []llm.Message{
		{Role: "system", Content: specSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("genre: %s\nrequirement: %s", genre, requirement)},
	})
	if err != nil {
		return nil, err
	}
	return scheduler.State{
		"spec_markdown": resp.Content,
		"status":        persistence.RunSpecDone,
	}, nil
}

// coderStage opens a fresh sandbox, generates the file set, and writes it
// to the sandbox workspace so review_guardrails can execute toolchain
// checks against it. Grounded on
// _examples/original_source/unicorn_agent/nodes/review_guardrails.py's
// _write_generated_code (relative-path normalization, parent-dir creation)
// applied here at write time instead of at review time since this module's
// sandbox already enforces path-traversal safety on WriteFile.
func (c *Controller) coderStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	specMarkdown, _ := state["spec_markdown"].(string)
	fixInstruction, _ := state["fix_instruction"].(string)

	userPrompt := specMarkdown
	if fixInstruction != "" {
		userPrompt = specMarkdown + "\n\nPrevious attempt failed review:\n" + fixInstruction
	}
	resp, err := c.llmRouter.Invoke(ctx, llm.ProfileLowCost, []llm.Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	var files map[string]string
	if jsonErr := json.Unmarshal([]byte(resp.Content), &files); jsonErr != nil {
		return scheduler.State{
			"status":     "review_ng",
			"error_logs": []string{"coder produced non-JSON output: " + jsonErr.Error()},
		}, nil
	}

	sb, err := c.openSandbox(ctx, c.sandboxCfg, c.log)
	if err != nil {
		return nil, err
	}
	defer sb.Close(ctx)

	for rel, content := range files {
		rel = normalizeRelPath(rel)
		if rel == "" {
			continue
		}
		if err := sb.WriteFile(ctx, rel, []byte(content)); err != nil {
			return scheduler.State{
				"status":     "review_ng",
				"error_logs": []string{fmt.Sprintf("write %s failed: %v", rel, err)},
			}, nil
		}
	}

	return scheduler.State{
		"generated_code": files,
		"audit_records":  auditRecordsFrom(sb, "sandbox"),
	}, nil
}

// reviewGuardrailsStage runs the host-side secret scan first, before any
// sandbox exists, so a secret hit never results in the generated code
// touching a container (spec.md §4.3.1). Only once that scan passes does it
// re-open the sandbox the coder stage wrote into (by regenerating from
// generated_code, since the prior sandbox closed at stage exit per spec.md
// §4.2's "deterministically destroyed" contract) and run the rest of the
// guardrails.RunAll pipeline against it.
func (c *Controller) reviewGuardrailsStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	files, _ := state["generated_code"].(map[string]string)
	artifacts := make(guardrails.Artifacts, len(files))
	for rel, content := range files {
		artifacts[rel] = []byte(content)
	}

	if scan := guardrails.RunSecretScan(artifacts); !scan.Passed {
		return scheduler.State{
			"guardrails_passed": false,
			"status":            "review_ng",
			"error_logs":        scan.Findings,
		}, nil
	}

	sb, err := c.openSandbox(ctx, c.sandboxCfg, c.log)
	if err != nil {
		return nil, err
	}
	defer sb.Close(ctx)
	for rel, content := range artifacts {
		if err := sb.WriteFile(ctx, rel, content); err != nil {
			return scheduler.State{
				"status":     "review_ng",
				"error_logs": []string{fmt.Sprintf("rewrite %s for review failed: %v", rel, err)},
			}, nil
		}
	}

	report, err := guardrails.RunAll(ctx, sb, artifacts, c.guardrailsCfg)
	if err != nil {
		return scheduler.State{
			"status":     "review_ng",
			"error_logs": []string{"guardrails check failed to run: " + err.Error()},
		}, nil
	}
	if report.Passed {
		return scheduler.State{"guardrails_passed": true, "status": "review_ok"}, nil
	}
	return scheduler.State{
		"guardrails_passed":    false,
		"status":               "review_ng",
		"error_logs":           report.Findings,
		"last_error_signature": report.Fingerprint,
	}, nil
}

// fixStage composes the next fix instruction from the most recent failures
// and loops back to coder, incrementing retry_count (spec.md §4.1).
func (c *Controller) fixStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	retryCount, _ := state["retry_count"].(int)
	logs, _ := state["error_logs"].([]string)
	recent := logs
	if len(recent) > FixHistoryDepth {
		recent = recent[len(recent)-FixHistoryDepth:]
	}

	instruction := strings.Join(recent, "\n")
	if c.rulesFor != nil {
		genre, _ := state["genre"].(string)
		if ruleText := c.rulesFor(ctx, genre); ruleText != "" {
			instruction += "\n\nRules:\n" + ruleText
		}
	}

	return scheduler.State{
		"retry_count":     retryCount + 1,
		"fix_instruction": instruction,
	}, nil
}

// publisherStage commits the sandbox's generated files to a branch and
// opens a pull request, when a vcs.Adapter is configured for the tenant
// (spec.md §6, "Version-control adapter interface").
func (c *Controller) publisherStage(ctx context.Context, state scheduler.State) (scheduler.State, error) {
	if c.vcsFor == nil {
		return scheduler.State{"status": persistence.RunPublished}, nil
	}
	tenantID, _ := state["tenant_id"].(string)
	requirement, _ := state["requirement"].(string)

	adapter, err := c.vcsFor(tenantID)
	if err != nil {
		return scheduler.State{
			"status":     persistence.RunPublished,
			"error_logs": []string{"vcs unavailable: " + err.Error()},
		}, nil
	}

	files, _ := state["generated_code"].(map[string]string)
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}

	branch := "agent/" + truncate(requirement, 72)
	if err := adapter.AddFiles(ctx, paths); err != nil {
		return scheduler.State{"status": persistence.RunFailed, "error_logs": []string{err.Error()}}, nil
	}
	if err := adapter.Commit(ctx, "Agent: "+truncate(requirement, 72)); err != nil {
		return scheduler.State{"status": persistence.RunFailed, "error_logs": []string{err.Error()}}, nil
	}
	if err := adapter.PushTo(ctx, branch); err != nil {
		return scheduler.State{"status": persistence.RunFailed, "error_logs": []string{err.Error()}}, nil
	}
	prURL, err := adapter.OpenMergeRequest(ctx, "Agent: "+truncate(requirement, 80),
		"Auto-generated. Please review before merge.", branch, "main")
	if err != nil {
		return scheduler.State{"status": persistence.RunPublished, "error_logs": []string{"create pr failed: " + err.Error()}}, nil
	}

	return scheduler.State{"status": persistence.RunPublished, "pr_url": prURL}, nil
}

func normalizeRelPath(rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = strings.TrimSpace(rel)
	rel = strings.TrimPrefix(rel, "/")
	return rel
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func auditRecordsFrom(sb sandboxHandle, source string) []persistence.AuditRecord {
	entries := sb.GetAuditLog()
	records := make([]persistence.AuditRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, persistence.AuditRecord{
			Timestamp: e.Timestamp,
			Tool:      e.Tool,
			Arguments: mustMarshalArgs(e.Arguments),
			Success:   e.Success,
			Error:     e.Error,
			Source:    source,
		})
	}
	return records
}

func mustMarshalArgs(args []string) json.RawMessage {
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}
