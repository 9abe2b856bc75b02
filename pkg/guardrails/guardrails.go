package guardrails

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Config bounds the change-size check; other checks have no tunable.
type Config struct {
	MaxLinesPerPush int
}

// Report is what review_guardrails hands back to the run state: whether the
// artifact set passed every check, the accumulated findings in check order,
// and (on failure) a stable fingerprint for loop detection.
type Report struct {
	Passed      bool
	Findings    []string
	Fingerprint string
}

// RunAll executes the checks in the fixed order named in spec.md §4.3: a
// secret scan first (host-side, before anything touches the sandbox), then
// lint/build, unit, and e2e in the sandbox — each skipped once an earlier
// one fails — then the change-size limit and the RLS policy check, which
// are pure and always run regardless of sandbox outcome.
func RunAll(ctx context.Context, runner Runner, artifacts Artifacts, cfg Config) (Report, error) {
	if scan := RunSecretScan(artifacts); !scan.Passed {
		return fail("secret_scan", scan.Findings), nil
	}

	if lint := RunLintBuild(ctx, runner, artifacts); !lint.Passed {
		return fail("lint_build", lint.Findings), nil
	}
	if unit := RunUnitTests(ctx, runner, artifacts); !unit.Passed {
		return fail("unit", unit.Findings), nil
	}
	if e2e := RunE2E(ctx, runner, artifacts); !e2e.Passed {
		return fail("e2e", e2e.Findings), nil
	}

	if size := RunChangeSizeCheck(artifacts, cfg.MaxLinesPerPush); !size.Passed {
		return fail("change_size", size.Findings), nil
	}

	rls, err := RunRLSCheck(ctx, artifacts)
	if err != nil {
		return Report{}, err
	}
	if !rls.Passed {
		return fail("rls", rls.Findings), nil
	}

	return Report{Passed: true}, nil
}

func fail(check string, findings []string) Report {
	return Report{
		Passed:      false,
		Findings:    findings,
		Fingerprint: fingerprint(check, findings),
	}
}

// fingerprint produces the 16-character failure signature used to detect
// repeated identical failures across retries (spec.md §4.3, "fingerprint").
func fingerprint(check string, findings []string) string {
	sample := findings
	if len(sample) > 3 {
		sample = sample[:3]
	}
	sum := sha256.Sum256([]byte(check + ":" + strings.Join(sample, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
