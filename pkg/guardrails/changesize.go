package guardrails

import (
	"bytes"
	"fmt"
)

// DefaultMaxLinesPerPush is the change-size ceiling applied when the caller
// does not override it (spec.md §4.3.3).
const DefaultMaxLinesPerPush = 200

// RunChangeSizeCheck refuses artifact sets whose combined line count exceeds
// maxLines.
func RunChangeSizeCheck(artifacts Artifacts, maxLines int) Result {
	if maxLines <= 0 {
		maxLines = DefaultMaxLinesPerPush
	}
	total := 0
	for _, content := range artifacts {
		total += bytes.Count(content, []byte("\n")) + 1
	}
	if total > maxLines {
		return Result{
			Passed:   false,
			Findings: []string{fmt.Sprintf("change size %d lines exceeds limit %d", total, maxLines)},
		}
	}
	return Result{Passed: true}
}
