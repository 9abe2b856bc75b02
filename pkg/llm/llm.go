// Package llm provides the narrow LLM invocation surface used by the
// classifier, coder, planner, and reporter stages (spec.md §6, "LLM
// invocation"). Two concrete providers are wired: Anthropic's Messages API
// for the high-quality profile and Bedrock for the low-cost profile,
// selected per-call by name rather than hardcoded at the call site.
// Grounded on the Client/NewClient(cfg, logger) shape observed in
// _examples/jordigilh-kubernaut/pkg/ai/llm (client_test.go) and the
// provider-pool pattern in
// test/integration/ai/multi_provider_llm_production_test.go.
package llm

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// Message is one turn in a conversation handed to a provider.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Usage reports token consumption for a single Invoke call, used to
// populate Run.InputTokens/OutputTokens (spec.md §4.3).
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the result of one Invoke call.
type Response struct {
	Content string
	Usage   Usage
}

// Provider is the interface every concrete LLM backend implements.
type Provider interface {
	Invoke(ctx context.Context, messages []Message) (Response, error)
	Name() string
}

// Profile names select which configured Provider a stage should use.
const (
	ProfileHighQuality = "high_quality"
	ProfileLowCost     = "low_cost"
)

// UsageRecorder receives a completed call's token counts. pkg/metrics.Metrics
// satisfies this directly; it is declared here rather than imported to keep
// this package free of an observability dependency.
type UsageRecorder interface {
	RecordTokens(provider string, promptTokens, completionTokens int)
}

// Router holds one Provider per profile and dispatches Invoke calls by
// profile name, so a stage depends on "which profile" rather than "which
// vendor" (spec.md §6: "providers are swappable behind a profile name").
type Router struct {
	providers map[string]Provider
	log       logr.Logger
	usage     UsageRecorder
}

// NewRouter builds a Router from a profile-to-provider map.
func NewRouter(providers map[string]Provider, log logr.Logger) *Router {
	return &Router{providers: providers, log: log}
}

// WithUsageRecorder attaches a token-usage recorder (e.g. pkg/metrics) to
// every subsequent Invoke call.
func (r *Router) WithUsageRecorder(rec UsageRecorder) *Router {
	r.usage = rec
	return r
}

// Invoke dispatches to the provider registered for profile.
func (r *Router) Invoke(ctx context.Context, profile string, messages []Message) (Response, error) {
	p, ok := r.providers[profile]
	if !ok {
		return Response{}, apperrors.New(apperrors.ErrorTypeInternal, "no LLM provider configured for profile").WithDetailsf("profile=%s", profile)
	}
	resp, err := p.Invoke(ctx, messages)
	if err != nil {
		return Response{}, apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "llm invocation failed").WithDetailsf("profile=%s provider=%s", profile, p.Name())
	}
	r.log.V(1).Info("llm invocation complete", "profile", profile, "provider", p.Name(),
		"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	if r.usage != nil {
		r.usage.RecordTokens(p.Name(), int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens))
	}
	return resp, nil
}
