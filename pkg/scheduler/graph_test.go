package scheduler

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Graph", func() {
	Describe("linear execution", func() {
		It("runs every stage in edge order and merges deltas", func() {
			g := New("a").
				AddStage("a", func(_ context.Context, s State) (State, error) {
					return State{"a_ran": true}, nil
				}).
				AddStage("b", func(_ context.Context, s State) (State, error) {
					return State{"b_ran": true}, nil
				}).
				AddEdge("a", "b").
				AddEdge("b", END)

			out := g.Execute(context.Background(), State{})
			Expect(out["a_ran"]).To(BeTrue())
			Expect(out["b_ran"]).To(BeTrue())
		})
	})

	Describe("conditional routing", func() {
		It("follows the fix-loop pattern until retries are exhausted", func() {
			const maxRetry = 3

			g := New("coder").
				WithAppendKeys("error_logs").
				AddStage("coder", func(_ context.Context, s State) (State, error) {
					return State{"status": "in_review"}, nil
				}).
				AddStage("review_guardrails", func(_ context.Context, s State) (State, error) {
					retry, _ := s["retry_count"].(int)
					return State{"status": "review_ng", "retry_count": retry + 1}, nil
				}).
				AddStage("fix", func(_ context.Context, s State) (State, error) {
					return State{"status": "fixing"}, nil
				}).
				AddStage("publisher", func(_ context.Context, s State) (State, error) {
					return State{"status": "published"}, nil
				}).
				AddEdge("coder", "review_guardrails").
				AddEdge("fix", "coder").
				AddConditionalEdge("review_guardrails", func(s State) string {
					status, _ := s["status"].(string)
					if status != "review_ng" {
						return "ok"
					}
					retry, _ := s["retry_count"].(int)
					if retry < maxRetry {
						return "retry"
					}
					return "exhausted"
				}, map[string]string{
					"ok":        "publisher",
					"retry":     "fix",
					"exhausted": END,
				})

			out := g.Execute(context.Background(), State{"retry_count": 0})
			Expect(out["retry_count"]).To(Equal(maxRetry))
			Expect(out["status"]).To(Equal("review_ng"))
		})

		It("ends the run when the router returns an undeclared target", func() {
			g := New("start").
				AddStage("start", func(_ context.Context, s State) (State, error) {
					return State{}, nil
				}).
				AddConditionalEdge("start", func(s State) string {
					return "nowhere"
				}, map[string]string{
					"somewhere": END,
				})

			out := g.Execute(context.Background(), State{})
			Expect(out["status"]).To(Equal("failed"))
			Expect(out["error_logs"]).NotTo(BeEmpty())
		})
	})

	Describe("per-stage timeout", func() {
		It("abandons a stage that overruns its deadline and applies the timeout delta", func() {
			g := New("slow").
				AddStage("slow", func(ctx context.Context, s State) (State, error) {
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
					}
					return State{"should_not_apply": true}, nil
				}).
				AddEdge("slow", END).
				WithTimeouts(20*time.Millisecond, 0,
					func(stage string, timeout time.Duration) State {
						return State{"status": "review_ng", "timed_out_stage": stage}
					},
					nil,
				)

			start := time.Now()
			out := g.Execute(context.Background(), State{})
			elapsed := time.Since(start)

			Expect(elapsed).To(BeNumerically("<", 500*time.Millisecond))
			Expect(out["status"]).To(Equal("review_ng"))
			Expect(out["timed_out_stage"]).To(Equal("slow"))
			Expect(out["should_not_apply"]).To(BeNil())
		})
	})

	Describe("per-run timeout", func() {
		It("returns promptly once the overall run deadline expires", func() {
			g := New("loop").
				AddStage("loop", func(_ context.Context, s State) (State, error) {
					count, _ := s["count"].(int)
					return State{"count": count + 1}, nil
				}).
				AddEdge("loop", "loop").
				WithTimeouts(0, 30*time.Millisecond, nil, func() State {
					return State{"status": "timeout"}
				})

			start := time.Now()
			out := g.Execute(context.Background(), State{"count": 0})
			elapsed := time.Since(start)

			Expect(elapsed).To(BeNumerically("<", 500*time.Millisecond))
			Expect(out["status"]).To(Equal("timeout"))
		})
	})

	Describe("append-merge semantics", func() {
		It("appends repeated deltas to list-valued keys rather than deduplicating", func() {
			g := New("a").
				WithAppendKeys("error_logs").
				AddStage("a", func(_ context.Context, s State) (State, error) {
					return State{"error_logs": []string{"same"}}, nil
				}).
				AddStage("b", func(_ context.Context, s State) (State, error) {
					return State{"error_logs": []string{"same"}}, nil
				}).
				AddEdge("a", "b").
				AddEdge("b", END)

			out := g.Execute(context.Background(), State{"error_logs": []string{}})
			Expect(out["error_logs"]).To(Equal([]string{"same", "same"}))
		})
	})
})
