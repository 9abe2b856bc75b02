// Package vcs implements the publisher stage's version-control step: commit
// the sandbox's generated changes to a branch and push them, then open a
// merge/pull request (spec.md §6, "Version-control adapter interface").
// Grounded on
// _examples/original_source/develop_agent/nodes/github_publisher.py, which
// shells out to the git CLI for branch/add/commit/push and then uses
// PyGithub to open the PR. The Go port replaces the git CLI with
// go-git/go-git (so commit/push run in-process against the sandbox's
// checked-out workspace rather than via subprocess) and PyGithub with
// google/go-github/v66.
package vcs

import (
	"context"
	"regexp"
	"strings"
)

// Adapter is the version-control operation surface a publisher stage
// consumes.
type Adapter interface {
	AddFiles(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
	PushTo(ctx context.Context, branch string) error
	OpenMergeRequest(ctx context.Context, title, body, branch, base string) (string, error)
}

var invalidBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_.-]`)

// SanitizeBranchName mirrors github_publisher.py's _sanitize_branch_name:
// non-branch-safe characters become "-", the result is capped at 80
// characters, and a blank result falls back to "agent-patch".
func SanitizeBranchName(name string) string {
	s := invalidBranchChars.ReplaceAllString(name, "-")
	if len(s) > 80 {
		s = s[:80]
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "agent-patch"
	}
	return s
}
