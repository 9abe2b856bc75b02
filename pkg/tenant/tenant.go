// Package tenant carries the tenant id through a request's context.Context so
// that every persistence call downstream can enforce the tenant predicate
// named throughout spec.md §4.5 without threading an extra parameter by hand.
package tenant

import (
	"context"
	"fmt"
)

type ctxKey struct{}

// ErrMissing is returned by FromContext when no tenant id was attached; every
// persistence call must treat this as fatal rather than falling back to an
// unscoped query.
var ErrMissing = fmt.Errorf("tenant: no tenant id in context")

func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext returns the tenant id attached by WithID, or ErrMissing.
func FromContext(ctx context.Context) (string, error) {
	v, ok := ctx.Value(ctxKey{}).(string)
	if !ok || v == "" {
		return "", ErrMissing
	}
	return v, nil
}

// MustFromContext panics if no tenant id is present. Reserved for code paths
// already guarded by HTTP middleware that rejects unscoped requests.
func MustFromContext(ctx context.Context) string {
	v, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return v
}
