// Package saas defines the adapter surface every third-party SaaS
// integration implements (spec.md §6, "SaaS adapter interface"), plus a
// circuit-breaker-wrapped registry the task controller dispatches through.
// Grounded on _examples/original_source/server/saas_mcp/base.py's
// SaaSMCPAdapter ABC (connect/disconnect/health_check/get_available_tools/
// execute_tool/get_schema/get_oauth_authorize_url/refresh_token) and
// salesforce.py's concrete shape, translated into a Go interface plus
// explicit error returns instead of exceptions.
package saas

import (
	"context"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/sony/gobreaker"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
)

// ToolInfo describes one callable operation a SaaS adapter advertises to
// the planner stage.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  map[string]string
	Genre       string
}

// Provider is the behavioral contract a SaaS integration must satisfy.
type Provider interface {
	Name() string
	Connect(ctx context.Context, creds credentials.Row) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	AvailableTools(ctx context.Context) ([]ToolInfo, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Schema(ctx context.Context) (*openapi3.T, error)
	OAuthAuthorizeURL(redirectURI, state string) (string, bool)
	RefreshToken(ctx context.Context, refreshToken string) (*credentials.Row, error)
}

// Registry holds every configured Provider, keyed by SaaS name, and wraps
// ExecuteTool calls in a per-provider circuit breaker so a misbehaving SaaS
// API can't stall the whole task controller (spec.md §6: "SaaS per-operation
// failure is soft", and the dropped-dependency note in SPEC_FULL.md wiring
// gobreaker across both credentials refresh and SaaS calls).
type Registry struct {
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds a Registry from a name-to-Provider map, creating one
// circuit breaker per provider.
func NewRegistry(providers map[string]Provider) *Registry {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for name := range providers {
		n := name
		breakers[n] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "saas-" + n,
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Registry{providers: providers, breakers: breakers}
}

// Get returns the Provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// ExecuteTool dispatches name/args to the provider registered for saasName,
// through that provider's circuit breaker.
func (r *Registry) ExecuteTool(ctx context.Context, saasName, tool string, args map[string]any) (map[string]any, error) {
	provider, ok := r.providers[saasName]
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "unknown saas provider").WithDetailsf("saas=%s", saasName)
	}
	breaker := r.breakers[saasName]
	result, err := breaker.Execute(func() (any, error) {
		return provider.ExecuteTool(ctx, tool, args)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "saas tool execution failed").WithDetailsf("saas=%s tool=%s", saasName, tool)
	}
	return result.(map[string]any), nil
}
