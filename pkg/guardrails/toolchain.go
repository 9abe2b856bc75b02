package guardrails

import (
	"context"
	"strings"
	"time"

	"github.com/yuhi-dope/ai-agent-all/pkg/sandbox"
)

// Runner is the subset of *sandbox.Sandbox the toolchain checks need, kept
// as an interface so tests can fake it without a live container.
type Runner interface {
	RunCommand(ctx context.Context, argv []string, deadline time.Duration) (sandbox.CommandResult, error)
	ListFiles(ctx context.Context, rel string) ([]string, error)
}

const findingTruncateLen = 2000

// detectToolchain inspects the artifact set for signals of a Python or a
// Node project (spec.md §4.3.2: "Missing toolchains make the check pass
// vacuously").
func detectToolchain(artifacts Artifacts) (hasPython, hasNode bool) {
	for path := range artifacts {
		if strings.HasSuffix(path, ".py") || path == "requirements.txt" {
			hasPython = true
		}
		if path == "package.json" {
			hasNode = true
		}
	}
	return
}

// RunLintBuild runs ruff for Python artifact sets and `npm run build` for
// Node ones, skipping whichever toolchain is absent.
func RunLintBuild(ctx context.Context, runner Runner, artifacts Artifacts) Result {
	return runToolchainChecks(ctx, runner, artifacts,
		[]string{"ruff", "check", "."}, 120*time.Second, "ruff",
		[]string{"npm", "run", "build"}, 180*time.Second, "npm run build",
	)
}

// RunUnitTests runs the project's unit test command.
func RunUnitTests(ctx context.Context, runner Runner, artifacts Artifacts) Result {
	return runToolchainChecks(ctx, runner, artifacts,
		[]string{"pytest", "-q"}, 180*time.Second, "pytest",
		[]string{"npm", "test", "--", "--ci"}, 240*time.Second, "npm test",
	)
}

// RunE2E runs the project's end-to-end test command, if one is declared.
func RunE2E(ctx context.Context, runner Runner, artifacts Artifacts) Result {
	return runToolchainChecks(ctx, runner, artifacts,
		[]string{"pytest", "-q", "-m", "e2e"}, 300*time.Second, "pytest (e2e)",
		[]string{"npm", "run", "e2e"}, 300*time.Second, "npm run e2e",
	)
}

func runToolchainChecks(
	ctx context.Context, runner Runner, artifacts Artifacts,
	pyCmd []string, pyDeadline time.Duration, pyLabel string,
	nodeCmd []string, nodeDeadline time.Duration, nodeLabel string,
) Result {
	hasPython, hasNode := detectToolchain(artifacts)
	if !hasPython && !hasNode {
		return Result{Passed: true}
	}

	var findings []string
	if hasPython {
		if f := runOne(ctx, runner, pyCmd, pyDeadline, pyLabel); f != "" {
			findings = append(findings, f)
		}
	}
	if hasNode {
		if f := runOne(ctx, runner, nodeCmd, nodeDeadline, nodeLabel); f != "" {
			findings = append(findings, f)
		}
	}
	return Result{Passed: len(findings) == 0, Findings: findings}
}

func runOne(ctx context.Context, runner Runner, argv []string, deadline time.Duration, label string) string {
	res, err := runner.RunCommand(ctx, argv, deadline)
	if err != nil {
		return label + ": " + truncate(err.Error(), findingTruncateLen)
	}
	if res.TimedOut {
		return label + ": timeout"
	}
	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = res.Stdout
		}
		return label + ": " + truncate(msg, findingTruncateLen)
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
