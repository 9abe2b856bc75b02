package refresher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenURL_StaticProvider(t *testing.T) {
	url, ok := TokenURL("github", "")
	assert.True(t, ok)
	assert.Equal(t, "https://github.com/login/oauth/access_token", url)
}

func TestTokenURL_InstanceTemplatedProvider(t *testing.T) {
	url, ok := TokenURL("zendesk", "acme")
	assert.True(t, ok)
	assert.Equal(t, "https://acme.zendesk.com/oauth/token", url)

	_, ok = TokenURL("zendesk", "")
	assert.False(t, ok)
}

func TestTokenURL_TenantHostedProvider(t *testing.T) {
	url, ok := TokenURL("salesforce", "https://acme.my.salesforce.com")
	assert.True(t, ok)
	assert.Equal(t, "https://acme.my.salesforce.com/services/oauth2/token", url)
}

func TestTokenURL_UnknownProvider(t *testing.T) {
	_, ok := TokenURL("unknown-saas", "")
	assert.False(t, ok)
}
