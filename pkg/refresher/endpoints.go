package refresher

import "strings"

// staticEndpoints holds the fixed token URL for SaaS providers with a
// single, non-tenant-hosted authorization server (spec.md §4.4, "Provider
// endpoint table").
var staticEndpoints = map[string]string{
	"slack":    "https://slack.com/api/oauth.v2.access",
	"hubspot":  "https://api.hubapi.com/oauth/v1/token",
	"github":   "https://github.com/login/oauth/access_token",
	"google":   "https://oauth2.googleapis.com/token",
	"zendesk":  "https://{instance}.zendesk.com/oauth/token",
	"notion":   "https://api.notion.com/v1/oauth/token",
}

// tenantHostedPaths holds the known token-endpoint path suffix for
// providers whose authorization server lives on the tenant's own instance
// (e.g. a self-hosted Jira or Salesforce sandbox).
var tenantHostedPaths = map[string]string{
	"salesforce":  "/services/oauth2/token",
	"jira":        "/rest/oauth2/latest/token",
	"servicenow":  "/oauth_token.do",
}

// TokenURL resolves the refresh-grant endpoint for saasName, preferring the
// static table and falling back to concatenating instanceURL with the
// provider's known path for tenant-hosted providers.
func TokenURL(saasName, instanceURL string) (string, bool) {
	if url, ok := staticEndpoints[saasName]; ok {
		if strings.Contains(url, "{instance}") {
			if instanceURL == "" {
				return "", false
			}
			return strings.ReplaceAll(url, "{instance}", instanceURL), true
		}
		return url, true
	}
	if path, ok := tenantHostedPaths[saasName]; ok {
		if instanceURL == "" {
			return "", false
		}
		return strings.TrimRight(instanceURL, "/") + path, true
	}
	return "", false
}
