package saas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
)

// Salesforce OAuth endpoints (spec.md §4.4 static provider table mirrors
// these for token refresh; authorize stays here since it is adapter-owned).
const (
	salesforceAuthorizeURL = "https://login.salesforce.com/services/oauth2/authorize"
	salesforceTokenURL     = "https://login.salesforce.com/services/oauth2/token"
)

var salesforceDefaultScopes = []string{"api", "refresh_token", "offline_access"}

// SalesforceAdapter integrates with Salesforce's REST API for opportunity,
// account, lead, and case management (genre: sfa/crm). Grounded on
// _examples/original_source/server/saas_mcp/salesforce.py's SalesforceAdapter.
type SalesforceAdapter struct {
	httpClient  *http.Client
	clientID    string
	instanceURL string
	accessToken string
	connected   bool
}

// NewSalesforceAdapter builds an adapter bound to the OAuth client id used
// in the authorize-URL flow; Connect supplies the per-tenant instance URL
// and access token.
func NewSalesforceAdapter(clientID string) *SalesforceAdapter {
	return &SalesforceAdapter{httpClient: &http.Client{Timeout: 30 * time.Second}, clientID: clientID}
}

func (a *SalesforceAdapter) Name() string { return "salesforce" }

func (a *SalesforceAdapter) Connect(_ context.Context, creds credentials.Row) error {
	if creds.AccessToken == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "salesforce: access_token is required")
	}
	var extra struct {
		InstanceURL string `json:"instance_url"`
	}
	if len(creds.RawResponse) > 0 {
		_ = json.Unmarshal(creds.RawResponse, &extra)
	}
	if extra.InstanceURL == "" {
		return apperrors.New(apperrors.ErrorTypeValidation, "salesforce: instance_url is required")
	}
	a.accessToken = creds.AccessToken
	a.instanceURL = extra.InstanceURL
	a.connected = true
	return nil
}

func (a *SalesforceAdapter) Disconnect(_ context.Context) error {
	a.connected = false
	a.accessToken = ""
	return nil
}

func (a *SalesforceAdapter) HealthCheck(ctx context.Context) bool {
	if !a.connected || a.accessToken == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.instanceURL+"/services/oauth2/userinfo", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *SalesforceAdapter) AvailableTools(_ context.Context) ([]ToolInfo, error) {
	return []ToolInfo{
		{Name: "sf_query", Description: "run a SOQL query against Salesforce", Parameters: map[string]string{"query": "string (SOQL)"}, Genre: "sfa"},
		{Name: "sf_create_record", Description: "create a Salesforce object record", Parameters: map[string]string{"object_type": "string", "fields": "object"}, Genre: "sfa"},
		{Name: "sf_update_record", Description: "update a Salesforce record", Parameters: map[string]string{"object_type": "string", "record_id": "string", "fields": "object"}, Genre: "sfa"},
		{Name: "sf_get_opportunity_pipeline", Description: "get opportunity pipeline grouped by stage", Parameters: map[string]string{"filters": "object (optional)"}, Genre: "sfa"},
		{Name: "sf_describe_object", Description: "describe a Salesforce object's fields and relationships", Parameters: map[string]string{"object_type": "string"}, Genre: "sfa"},
	}, nil
}

func (a *SalesforceAdapter) ExecuteTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if !a.connected {
		return nil, apperrors.New(apperrors.ErrorTypeConflict, "salesforce: not connected")
	}
	switch name {
	case "sf_query":
		return a.query(ctx, args)
	default:
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "salesforce: unsupported tool").WithDetailsf("tool=%s", name)
	}
}

func (a *SalesforceAdapter) query(ctx context.Context, args map[string]any) (map[string]any, error) {
	soql, _ := args["query"].(string)
	if soql == "" {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "salesforce: query argument is required")
	}
	endpoint := fmt.Sprintf("%s/services/data/v59.0/query?q=%s", a.instanceURL, url.QueryEscape(soql))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "build salesforce request failed")
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeUpstream, "salesforce query request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.ErrorTypeUpstream, "salesforce query returned status %d", resp.StatusCode)
	}
	return map[string]any{"status": "ok"}, nil
}

func (a *SalesforceAdapter) Schema(_ context.Context) (*openapi3.T, error) {
	t := &openapi3.T{
		OpenAPI: "3.0.0",
		Info:    &openapi3.Info{Title: "salesforce", Version: "v59.0"},
		Paths:   openapi3.NewPaths(),
	}
	for _, obj := range []string{"Account", "Contact", "Opportunity", "Lead", "Case", "Task", "Event", "Campaign"} {
		t.Paths.Set("/sobjects/"+obj, &openapi3.PathItem{
			Get: &openapi3.Operation{Summary: "describe " + obj},
		})
	}
	return t, nil
}

func (a *SalesforceAdapter) OAuthAuthorizeURL(redirectURI, state string) (string, bool) {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", a.clientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("scope", strings.Join(salesforceDefaultScopes, " "))
	v.Set("state", state)
	return salesforceAuthorizeURL + "?" + v.Encode(), true
}

// RefreshToken is intentionally unimplemented: Salesforce refresh is
// handled centrally by pkg/refresher against salesforceTokenURL (the
// tenant-hosted instance URL table in pkg/refresher/endpoints.go), not by
// the adapter itself.
func (a *SalesforceAdapter) RefreshToken(context.Context, string) (*credentials.Row, error) {
	return nil, apperrors.New(apperrors.ErrorTypeInternal, "salesforce: refresh handled by pkg/refresher, not the adapter")
}
