// Package refresher implements the background token refresh loop and the
// on-demand synchronous refresh path (spec.md §4.4, C2). Grounded on
// _examples/original_source/server/oauth_store.py for the freshness
// predicate and on this module's pkg/credentials for storage; the refresh
// grant itself and the circuit breaker around it are new code built in the
// teacher's idiom (context-aware background workers, structured logging)
// since the teacher repo has no OAuth refresh component of its own.
package refresher

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
)

const (
	// DefaultInterval is how often the background sweep runs.
	DefaultInterval = 900 * time.Second
	// DefaultBuffer is how far ahead of expiry a token is refreshed.
	DefaultBuffer = 300 * time.Second
)

// Connection is the subset of a SaaS connection the refresher needs.
type Connection struct {
	TenantID    string
	SaaSName    string
	InstanceURL string
}

// ConnectionStore is the persistence surface the refresher depends on. It is
// declared here rather than imported from pkg/persistence to avoid a
// package cycle (persistence depends on nothing in this package).
type ConnectionStore interface {
	ListActiveOAuthConnections(ctx context.Context) ([]Connection, error)
	MarkActive(ctx context.Context, tenantID, saasName string) error
	MarkTokenExpired(ctx context.Context, tenantID, saasName, reason string) error
}

// ClientCredentialsLookup resolves the OAuth client id/secret configured
// for a tenant's channel, used to authenticate the refresh-grant request.
type ClientCredentialsLookup func(ctx context.Context, tenantID, saasName string) (clientID, clientSecret string, err error)

// RefreshRecorder receives one outcome per refresh attempt. pkg/metrics.Metrics
// satisfies this directly.
type RefreshRecorder interface {
	RecordRefresh(saasName string, ok bool)
}

// Refresher drives the background sweep and serves on-demand refreshes.
type Refresher struct {
	conns            ConnectionStore
	creds            *credentials.Store
	lookup           ClientCredentialsLookup
	interval         time.Duration
	buffer           time.Duration
	breaker          *gobreaker.CircuitBreaker
	inflight         singleflight.Group
	log              logr.Logger
	resolveTokenURL  func(saasName, instanceURL string) (string, bool)
	metrics          RefreshRecorder
}

// WithMetrics attaches a RefreshRecorder (e.g. pkg/metrics) to every
// subsequent refresh attempt, background or on-demand.
func (r *Refresher) WithMetrics(rec RefreshRecorder) *Refresher {
	r.metrics = rec
	return r
}

// New builds a Refresher. interval/buffer of zero fall back to the spec
// defaults.
func New(conns ConnectionStore, creds *credentials.Store, lookup ClientCredentialsLookup, interval, buffer time.Duration, log logr.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Refresher{
		conns:    conns,
		creds:    creds,
		lookup:   lookup,
		interval: interval,
		buffer:   buffer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "token-refresh",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:             log,
		resolveTokenURL: TokenURL,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled. Intended to be
// started as a single background goroutine at process startup.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// sweepOnce lists every active OAuth connection and refreshes any whose
// credential is expiring within the buffer window (spec.md §4.4, "Refresh
// loop").
func (r *Refresher) sweepOnce(ctx context.Context) {
	conns, err := r.conns.ListActiveOAuthConnections(ctx)
	if err != nil {
		r.log.Error(err, "failed to list active oauth connections")
		return
	}
	expiring := 0
	for _, conn := range conns {
		refreshed, err := r.refreshIfNeeded(ctx, conn)
		if err != nil {
			r.log.Error(err, "background refresh failed", "tenant_id", conn.TenantID, "saas", conn.SaaSName)
		}
		if refreshed {
			expiring++
		}
	}
	if r.metrics != nil {
		if gaugeRecorder, ok := r.metrics.(ExpiringGaugeRecorder); ok {
			gaugeRecorder.SetExpiringCredentials(expiring)
		}
	}
}

// ExpiringGaugeRecorder is the optional richer surface pkg/metrics.Metrics
// also implements, beyond the RefreshRecorder every sweep uses.
type ExpiringGaugeRecorder interface {
	SetExpiringCredentials(n int)
}

func (r *Refresher) refreshIfNeeded(ctx context.Context, conn Connection) (attempted bool, err error) {
	row, err := r.creds.Get(ctx, conn.TenantID, conn.SaaSName)
	if err != nil || row == nil {
		return false, err
	}
	if !credentials.IsExpired(*row, r.buffer) {
		return false, nil
	}
	return true, r.refresh(ctx, conn, *row)
}

// EnsureFresh is the on-demand path: a stage calls this before using a
// token it suspects is stale. Concurrent callers for the same
// (tenant, saas) pair collapse onto a single refresh via singleflight — the
// background loop and an on-demand refresh may race, and spec.md §5 treats
// that as fine since both paths are idempotent on success.
func (r *Refresher) EnsureFresh(ctx context.Context, tenantID, saasName string) (*credentials.Row, error) {
	row, err := r.creds.Get(ctx, tenantID, saasName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.New(apperrors.ErrorTypeNotFound, "no credential on file").WithDetailsf("tenant=%s saas=%s", tenantID, saasName)
	}
	if !credentials.IsExpired(*row, r.buffer) {
		return row, nil
	}

	key := tenantID + ":" + saasName
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		if err := r.refresh(ctx, Connection{TenantID: tenantID, SaaSName: saasName}, *row); err != nil {
			return nil, err
		}
		return r.creds.Get(ctx, tenantID, saasName)
	})
	if err != nil {
		return nil, err
	}
	refreshed, _ := v.(*credentials.Row)
	return refreshed, nil
}

func (r *Refresher) refresh(ctx context.Context, conn Connection, row credentials.Row) (err error) {
	if r.metrics != nil {
		defer func() { r.metrics.RecordRefresh(conn.SaaSName, err == nil) }()
	}
	if !row.RefreshToken.Valid || row.RefreshToken.String == "" {
		err := apperrors.New(apperrors.ErrorTypeAuth, "no refresh token on file")
		_ = r.conns.MarkTokenExpired(ctx, conn.TenantID, conn.SaaSName, err.Error())
		return err
	}

	tokenURL, ok := r.resolveTokenURL(conn.SaaSName, conn.InstanceURL)
	if !ok {
		err := apperrors.New(apperrors.ErrorTypeInternal, "no token endpoint known for provider").WithDetailsf("saas=%s", conn.SaaSName)
		return err
	}
	clientID, clientSecret, err := r.lookup(ctx, conn.TenantID, conn.SaaSName)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "client credentials lookup failed")
	}

	result, err := r.breaker.Execute(func() (any, error) {
		cfg := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
		source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: row.RefreshToken.String})
		return source.Token()
	})
	if err != nil {
		_ = r.conns.MarkTokenExpired(ctx, conn.TenantID, conn.SaaSName, err.Error())
		return apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "token refresh failed")
	}
	tok := result.(*oauth2.Token)

	newRow := row
	newRow.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		newRow.RefreshToken.String = tok.RefreshToken
		newRow.RefreshToken.Valid = true
	}
	if !tok.Expiry.IsZero() {
		newRow.ExpiresAt.Time = tok.Expiry
		newRow.ExpiresAt.Valid = true
	}

	if err := r.creds.Save(ctx, conn.TenantID, conn.SaaSName, newRow); err != nil {
		return err
	}
	return r.conns.MarkActive(ctx, conn.TenantID, conn.SaaSName)
}
