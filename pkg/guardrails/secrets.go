// Package guardrails implements the four independent static checks run over
// a generated artifact set before (secret scan) and during (lint/build/
// unit/e2e, change-size, RLS) a sandbox review (spec.md §4.3, C4). Grounded
// on _examples/original_source/unicorn_agent/utils/guardrails.py and
// develop_agent/utils/rls_validator.py, rewritten against this module's
// sandbox and error types.
package guardrails

import (
	"fmt"
	"math"
	"regexp"
	"sort"
)

// Artifacts is the {rel-path -> bytes} set a stage hands to the guardrails.
type Artifacts map[string][]byte

// Result is the uniform outcome of every check in this package.
type Result struct {
	Passed   bool
	Findings []string
}

type secretPattern struct {
	re    *regexp.Regexp
	label string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "OpenAI-style key (sk-...)"},
	{regexp.MustCompile(`sbp_[a-zA-Z0-9]+`), "Stripe-style key (sbp_...)"},
	{regexp.MustCompile(`(?i)API_KEY\s*=\s*["'][^"']+["']`), "API_KEY assignment"},
	{regexp.MustCompile(`(?i)(?:password|secret|token)\s*=\s*["'][^"']+["']`), "password/secret/token assignment"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_\-.]{20,}`), "Bearer token"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC )?PRIVATE KEY-----`), "Private key block"},
}

const (
	highEntropyMinLen   = 24
	highEntropyBitsMin  = 4.0
)

var alnumRun = regexp.MustCompile(fmt.Sprintf(`[a-zA-Z0-9]{%d,}`, highEntropyMinLen))

// RunSecretScan matches every file against a fixed secret-pattern list plus a
// high-entropy heuristic. It runs host-side, before any code reaches the
// sandbox (spec.md §4.3.1).
func RunSecretScan(artifacts Artifacts) Result {
	var findings []string
	for _, path := range sortedKeys(artifacts) {
		content := string(artifacts[path])
		for _, p := range secretPatterns {
			if p.re.MatchString(content) {
				findings = append(findings, fmt.Sprintf("[%s] %s", path, p.label))
			}
		}
		for _, loc := range alnumRun.FindAllStringIndex(content, -1) {
			segment := content[loc[0]:loc[1]]
			if shannonEntropy(segment) >= highEntropyBitsMin {
				findings = append(findings, fmt.Sprintf("[%s] high_entropy_string (len=%d) at position %d", path, len(segment), loc[0]))
			}
		}
	}
	return Result{Passed: len(findings) == 0, Findings: findings}
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func sortedKeys(artifacts Artifacts) []string {
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
