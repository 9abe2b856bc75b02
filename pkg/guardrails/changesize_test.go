package guardrails

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunChangeSizeCheck_UnderLimit(t *testing.T) {
	r := RunChangeSizeCheck(Artifacts{"a.go": []byte("line1\nline2\n")}, 200)
	assert.True(t, r.Passed)
}

func TestRunChangeSizeCheck_OverLimit(t *testing.T) {
	big := strings.Repeat("x\n", 300)
	r := RunChangeSizeCheck(Artifacts{"a.go": []byte(big)}, DefaultMaxLinesPerPush)
	assert.False(t, r.Passed)
	assert.NotEmpty(t, r.Findings)
}

func TestRunChangeSizeCheck_DefaultsWhenUnset(t *testing.T) {
	r := RunChangeSizeCheck(Artifacts{"a.go": []byte("line\n")}, 0)
	assert.True(t, r.Passed)
}
