package vcs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeBranchName_ReplacesInvalidChars(t *testing.T) {
	got := SanitizeBranchName("add user's profile (v2)!")
	assert.NotContains(t, got, " ")
	assert.NotContains(t, got, "'")
	assert.NotContains(t, got, "(")
}

func TestSanitizeBranchName_TruncatesTo80(t *testing.T) {
	got := SanitizeBranchName(strings.Repeat("a", 200))
	assert.LessOrEqual(t, len(got), 80)
}

func TestSanitizeBranchName_FallsBackOnEmpty(t *testing.T) {
	assert.Equal(t, "agent-patch", SanitizeBranchName("!!!"))
}

func TestSanitizeBranchName_PreservesSlashesAndDots(t *testing.T) {
	got := SanitizeBranchName("feature/add.thing_v2")
	assert.Equal(t, "feature/add.thing_v2", got)
}
