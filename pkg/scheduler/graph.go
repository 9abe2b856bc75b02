// Package scheduler implements the directed-graph stage driver (spec.md
// §4.1, C6): stages are pure (state) -> state-delta functions, composed with
// plain and conditional edges over a shared State value. Concrete pipelines
// (the code track and the SaaS track) are built by handing the graph a
// stage set and an edge table rather than through inheritance — "graph as
// data" (spec.md §9).
package scheduler

import (
	"context"
	"fmt"
	"time"
)

// END is the sentinel conditional-edge target that terminates a run.
const END = "__end__"

// Stage is a pure step: it reads State and returns the delta to merge back
// in. Stages must not mutate the State they are given.
type Stage func(ctx context.Context, state State) (State, error)

// Router decides, from the current state, which named target a conditional
// edge should follow next.
type Router func(state State) string

type conditionalEdge struct {
	router  Router
	targets map[string]string
}

// TimeoutDelta is called when a stage does not return within the per-stage
// deadline; it must produce the soft-failure delta for the pipeline in
// question (e.g. status=review_ng for the code track, status=failed for the
// SaaS track — spec.md §4.1).
type TimeoutDelta func(stage string, timeout time.Duration) State

// RunTimeoutDelta produces the delta merged in when the overall run deadline
// expires (spec.md §4.1: status=timeout).
type RunTimeoutDelta func() State

// StageObserver is notified around each stage execution, independent of the
// pipeline's own state/routing logic. pkg/tracing and pkg/metrics implement
// this to emit a span and a duration/error counter per stage without the
// graph itself depending on either package.
type StageObserver interface {
	StageStarted(ctx context.Context, stage string) context.Context
	StageFinished(ctx context.Context, stage string, dur time.Duration, timedOut bool, err error)
}

// Graph is a named DAG of stages, built once and executed any number of
// times against different initial states.
type Graph struct {
	entry      string
	stages     map[string]Stage
	edges      map[string]string
	conditions map[string]conditionalEdge
	appendKeys map[string]bool

	stageTimeout time.Duration
	runTimeout   time.Duration
	onStageTO    TimeoutDelta
	onRunTO      RunTimeoutDelta
	observer     StageObserver
}

// WithObserver attaches a StageObserver invoked around every stage
// execution (spec.md's domain-stack expansion: "one span per stage
// execution").
func (g *Graph) WithObserver(obs StageObserver) *Graph {
	g.observer = obs
	return g
}

// New builds a graph whose execution starts at entry.
func New(entry string) *Graph {
	return &Graph{
		entry:      entry,
		stages:     map[string]Stage{},
		edges:      map[string]string{},
		conditions: map[string]conditionalEdge{},
		appendKeys: map[string]bool{},
	}
}

// WithAppendKeys marks state keys (error_logs, audit logs, ...) whose values
// are merged by append rather than replacement.
func (g *Graph) WithAppendKeys(keys ...string) *Graph {
	for _, k := range keys {
		g.appendKeys[k] = true
	}
	return g
}

// WithTimeouts sets the per-stage and per-run deadlines and the deltas
// applied when each fires.
func (g *Graph) WithTimeouts(stageTimeout, runTimeout time.Duration, onStageTO TimeoutDelta, onRunTO RunTimeoutDelta) *Graph {
	g.stageTimeout = stageTimeout
	g.runTimeout = runTimeout
	g.onStageTO = onStageTO
	g.onRunTO = onRunTO
	return g
}

func (g *Graph) AddStage(name string, fn Stage) *Graph {
	g.stages[name] = fn
	return g
}

func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

func (g *Graph) AddConditionalEdge(from string, router Router, targets map[string]string) *Graph {
	g.conditions[from] = conditionalEdge{router: router, targets: targets}
	return g
}

// Execute drives the graph from its entry stage to completion, a terminal
// status, or a run-level timeout. It never panics on a malformed graph: a
// missing stage or an out-of-range router target is reported as an error in
// the returned state rather than propagated as a Go error, because the
// caller (the run/task controller) still needs to persist whatever partial
// state exists (spec.md §4.1: "returns the partial state rather than
// aborting").
func (g *Graph) Execute(ctx context.Context, initial State) State {
	state := initial.Clone()

	runCtx := ctx
	var cancel context.CancelFunc
	if g.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, g.runTimeout)
		defer cancel()
	}

	current := g.entry
	for current != END && current != "" {
		select {
		case <-runCtx.Done():
			if g.onRunTO != nil {
				state = merge(state, g.onRunTO(), g.appendKeys)
			}
			return state
		default:
		}

		stageFn, ok := g.stages[current]
		if !ok {
			state = merge(state, State{"error_logs": []string{fmt.Sprintf("unknown stage: %s", current)}}, g.appendKeys)
			return state
		}

		delta, timedOut := g.runStage(runCtx, current, stageFn, state)
		if timedOut {
			state = merge(state, delta, g.appendKeys)
			// A stage timeout is a soft failure: the router (if any) decides
			// whether to recover. Fall through to normal edge routing below.
		} else {
			state = merge(state, delta, g.appendKeys)
		}

		select {
		case <-runCtx.Done():
			if g.onRunTO != nil {
				state = merge(state, g.onRunTO(), g.appendKeys)
			}
			return state
		default:
		}

		next, terminal, invalidLabel := g.route(current, state)
		if invalidLabel != "" {
			state = merge(state, State{
				"status":     "failed",
				"error_logs": []string{fmt.Sprintf("router at %s returned undeclared target %q", current, invalidLabel)},
			}, g.appendKeys)
			return state
		}
		if terminal {
			return state
		}
		current = next
	}
	return state
}

// runStage executes a single stage with the per-stage deadline, abandoning
// the stage's goroutine on timeout rather than waiting for it — the stage is
// responsible for observing ctx cancellation and releasing any sandbox on
// its own exit path (spec.md §5).
func (g *Graph) runStage(ctx context.Context, name string, fn Stage, state State) (State, bool) {
	stageCtx := ctx
	var cancel context.CancelFunc
	if g.stageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, g.stageTimeout)
		defer cancel()
	}

	if g.observer != nil {
		stageCtx = g.observer.StageStarted(stageCtx, name)
	}
	start := time.Now()

	type result struct {
		delta State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		delta, err := fn(stageCtx, state)
		done <- result{delta: delta, err: err}
	}()

	select {
	case r := <-done:
		if g.observer != nil {
			g.observer.StageFinished(stageCtx, name, time.Since(start), false, r.err)
		}
		if r.err != nil {
			return State{"error_logs": []string{fmt.Sprintf("stage %s: %v", name, r.err)}}, false
		}
		if r.delta == nil {
			return State{}, false
		}
		return r.delta, false
	case <-stageCtx.Done():
		if g.observer != nil {
			g.observer.StageFinished(stageCtx, name, time.Since(start), true, stageCtx.Err())
		}
		if g.onStageTO != nil {
			return g.onStageTO(name, g.stageTimeout), true
		}
		return State{"error_logs": []string{fmt.Sprintf("Step timeout (%s)", g.stageTimeout)}}, true
	}
}

// route resolves the next stage name for `current`, honoring a conditional
// edge first, then a plain edge. If neither is declared the graph ends. If a
// conditional router returns a label outside its declared targets the run
// ends in failed (spec.md §4.1).
func (g *Graph) route(current string, state State) (next string, terminal bool, invalidLabel string) {
	if cond, ok := g.conditions[current]; ok {
		label := cond.router(state)
		target, known := cond.targets[label]
		if !known {
			return "", true, label
		}
		if target == END {
			return "", true, ""
		}
		return target, false, ""
	}
	if to, ok := g.edges[current]; ok {
		if to == END {
			return "", true, ""
		}
		return to, false, ""
	}
	return "", true, ""
}
