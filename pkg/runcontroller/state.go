package runcontroller

import (
	"database/sql"
	"encoding/json"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/scheduler"
)

func marshalState(state scheduler.State) ([]byte, error) {
	raw, err := json.Marshal(map[string]any(state))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal run state failed")
	}
	return raw, nil
}

func unmarshalState(raw []byte) (scheduler.State, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal run state failed")
	}
	return scheduler.State(m), nil
}

// runFromState projects a merged graph's final state onto the single row the
// auto-on path persists (spec.md §4.6).
func runFromState(runID, tenantID, requirement string, final scheduler.State) persistence.Run {
	status, _ := final["status"].(string)
	if status == "" {
		status = persistence.RunFailed
	}
	retryCount, _ := final["retry_count"].(int)

	errorLogs, _ := json.Marshal(final["error_logs"])

	var inputTokens, outputTokens int64
	if v, ok := final["input_tokens"].(int64); ok {
		inputTokens = v
	}
	if v, ok := final["output_tokens"].(int64); ok {
		outputTokens = v
	}

	return persistence.Run{
		ID:                 runID,
		TenantID:           tenantID,
		Requirement:        requirement,
		Status:             status,
		RetryCount:         retryCount,
		LastErrorSignature: nullString(final["last_error_signature"]),
		ErrorLogs:          errorLogs,
		InputTokens:        inputTokens,
		OutputTokens:       outputTokens,
		Genre:              nullString(final["genre"]),
		Subcategory:        nullString(final["subcategory"]),
		OverrideReason:     nullString(final["override_reason"]),
	}
}

func nullString(v any) sql.NullString {
	s, _ := v.(string)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
