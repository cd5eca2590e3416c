package auth

import (
	"fmt"
	"time"

	"github.com/sipeed/wadesk/pkg/secrets"
)

// NeedsRefresh mirrors Expired with the vocabulary the provider
// package expects at call sites.
func (c *AuthCredential) NeedsRefresh() bool {
	return c.Expired()
}

var credentialStore *secrets.Store

// Init wires the package-level credential store used by GetCredential
// and SetCredential; both fail until it has been called.
func Init(store *secrets.Store) {
	credentialStore = store
}

func credentialKey(provider string) string {
	return "llm_credential:" + provider
}

// GetCredential loads the stored OAuth/API-key credential for a
// provider ("anthropic", "openai"). Returns (nil, nil) if none is
// stored yet.
func GetCredential(provider string) (*AuthCredential, error) {
	if credentialStore == nil {
		return nil, fmt.Errorf("auth: credential store not initialized")
	}
	var cred AuthCredential
	ok, err := credentialStore.GetJSON(credentialKey(provider), &cred)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// SetCredential persists cred for provider, overwriting any existing
// value (used both on initial OAuth exchange and on refresh).
func SetCredential(provider string, cred *AuthCredential) error {
	if credentialStore == nil {
		return fmt.Errorf("auth: credential store not initialized")
	}
	return credentialStore.PutJSON(credentialKey(provider), cred)
}

// NewAPIKeyCredential wraps a plain API key as a non-expiring
// credential, for deployments that skip the OAuth dance entirely.
func NewAPIKeyCredential(provider, apiKey string) *AuthCredential {
	return &AuthCredential{
		AccessToken: apiKey,
		Provider:    provider,
		AuthMethod:  "api_key",
		ExpiresAt:   time.Time{},
	}
}
