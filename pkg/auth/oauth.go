// Package auth implements the OAuth2 + PKCE flow used to obtain and
// refresh LLM-provider credentials (Claude, OpenAI) for the agent
// loop in pkg/agent. It is deliberately scoped to provider auth only —
// it is never used for CRM authentication, which uses a static
// pre-obtained token (see pkg/crm).
package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// OAuthProviderConfig describes one provider's authorization-server
// shape. Anthropic and OpenAI each get their own concrete config via
// AnthropicOAuthConfig/OpenAIOAuthConfig; both flow through the same
// BuildAuthorizeURL/exchangeCodeForTokens/RefreshAccessToken code.
type OAuthProviderConfig struct {
	Issuer           string // authorization server base URL
	AuthorizeBaseURL string // overrides Issuer for the /oauth/authorize step, if set
	TokenEndpoint    string // path appended to Issuer for token exchange, default "/oauth/token"
	ClientID         string
	Scopes           string
	Originator       string // OpenAI-only: included as originator= in the authorize URL
	Port             int    // local redirect listener port
	Provider         string // "openai" or "anthropic"
}

func (c OAuthProviderConfig) tokenEndpointURL() string {
	endpoint := c.TokenEndpoint
	if endpoint == "" {
		endpoint = "/oauth/token"
	}
	return c.Issuer + endpoint
}

// OpenAIOAuthConfig returns the fixed OAuth parameters for the OpenAI
// provider, mirroring the Codex CLI's own PKCE client registration.
func OpenAIOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:     "https://auth.openai.com",
		ClientID:   "app_EMoamEEZ73f0CkXaXp7hrann",
		Scopes:     "openid profile email offline_access",
		Originator: "codex_cli_rs",
		Port:       1455,
		Provider:   "openai",
	}
}

// AnthropicOAuthConfig returns the fixed OAuth parameters for the
// Anthropic Claude provider.
func AnthropicOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:           "https://console.anthropic.com",
		AuthorizeBaseURL: "https://claude.ai",
		TokenEndpoint:    "/v1/oauth/token",
		ClientID:         "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		Scopes:           "org:create_api_key user:profile user:inference",
		Port:             8080,
		Provider:         "anthropic",
	}
}

// PKCECodes is a verifier/challenge pair for the PKCE S256 flow.
type PKCECodes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE creates a fresh verifier and its S256 challenge.
func GeneratePKCE() (PKCECodes, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCECodes{}, fmt.Errorf("auth: generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return PKCECodes{
		CodeVerifier:  verifier,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// GenerateState returns a random opaque CSRF state value.
func GenerateState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// BuildAuthorizeURL builds the browser-facing /oauth/authorize URL for
// the given provider config, PKCE pair, CSRF state, and local redirect
// callback.
func BuildAuthorizeURL(cfg OAuthProviderConfig, pkce PKCECodes, state, redirectURI string) string {
	base := cfg.Issuer
	if cfg.AuthorizeBaseURL != "" {
		base = cfg.AuthorizeBaseURL
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", cfg.Scopes)
	q.Set("code_challenge", pkce.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	if cfg.Provider == "openai" {
		q.Set("id_token_add_organizations", "true")
		q.Set("codex_cli_simplified_flow", "true")
		if cfg.Originator != "" {
			q.Set("originator", cfg.Originator)
		}
	}

	return base + "/oauth/authorize?" + q.Encode()
}

// AuthCredential is the persisted result of a completed OAuth exchange
// or refresh. It is what pkg/secrets encrypts at rest; pkg/providers'
// Claude token source reads it, though no provider that cmd/wadeskd
// builds uses that token source.
type AuthCredential struct {
	AccessToken  string
	RefreshToken string
	Provider     string
	AuthMethod   string // "oauth" or "api_key"
	AccountID    string
	ExpiresAt    time.Time
}

// Expired reports whether the credential needs a refresh before use,
// with a small safety margin.
func (c *AuthCredential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt.Add(-30*time.Second))
}

func parseTokenResponse(body []byte, provider string) (*AuthCredential, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("auth: decode token response: %w", err)
	}

	accessToken, _ := raw["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("auth: token response missing access_token")
	}
	refreshToken, _ := raw["refresh_token"].(string)
	idToken, _ := raw["id_token"].(string)

	var expiresIn float64
	switch v := raw["expires_in"].(type) {
	case float64:
		expiresIn = v
	case string:
		n, _ := strconv.ParseFloat(v, 64)
		expiresIn = n
	}

	cred := &AuthCredential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Provider:     provider,
		AuthMethod:   "oauth",
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	if expiresIn == 0 {
		cred.ExpiresAt = time.Now().Add(time.Hour)
	}

	if accountID := accountIDFromJWT(accessToken); accountID != "" {
		cred.AccountID = accountID
	} else if accountID := accountIDFromJWT(idToken); accountID != "" {
		cred.AccountID = accountID
	}

	return cred, nil
}

// accountIDFromJWT extracts the OpenAI chatgpt_account_id claim from a
// (possibly unsigned) JWT's payload segment. Returns "" if token isn't
// JWT-shaped or the claim is absent.
func accountIDFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]interface{})
	if !ok {
		return ""
	}
	accountID, _ := auth["chatgpt_account_id"].(string)
	return accountID
}

var httpClient = &http.Client{Timeout: 20 * time.Second}

// exchangeCodeForTokens trades an authorization code for an access and
// refresh token. Anthropic's authorization server expects a JSON body;
// every other provider (OpenAI) expects form-urlencoded, per RFC 6749.
func exchangeCodeForTokens(cfg OAuthProviderConfig, code, verifier, redirectURI string) (*AuthCredential, error) {
	endpoint := cfg.tokenEndpointURL()

	var req *http.Request
	var err error
	if cfg.Provider == "anthropic" {
		payload := map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  redirectURI,
			"client_id":     cfg.ClientID,
			"code_verifier": verifier,
		}
		data, _ := json.Marshal(payload)
		req, err = http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		form := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {redirectURI},
			"client_id":     {cfg.ClientID},
			"code_verifier": {verifier},
		}
		req, err = http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: build token request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: token exchange returned %d: %s", resp.StatusCode, body)
	}

	return parseTokenResponse(body, cfg.Provider)
}

// RefreshAccessToken exchanges a stored refresh token for a new access
// token, always using form-urlencoded (no provider needs JSON here).
func RefreshAccessToken(cred *AuthCredential, cfg OAuthProviderConfig) (*AuthCredential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("auth: credential has no refresh token")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	req, err := http.NewRequest(http.MethodPost, cfg.tokenEndpointURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: refresh returned %d: %s", resp.StatusCode, body)
	}

	refreshed, err := parseTokenResponse(body, cred.Provider)
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		// Some providers omit refresh_token on rotation when it is unchanged.
		refreshed.RefreshToken = cred.RefreshToken
	}
	return refreshed, nil
}

// DeviceCodeResponse is the server's reply to a device-authorization
// request, as decoded by parseDeviceCodeResponse.
type DeviceCodeResponse struct {
	DeviceAuthID string
	UserCode     string
	Interval     int
}

func parseDeviceCodeResponse(body []byte) (*DeviceCodeResponse, error) {
	var raw struct {
		DeviceAuthID string      `json:"device_auth_id"`
		UserCode     string      `json:"user_code"`
		Interval     interface{} `json:"interval"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("auth: decode device code response: %w", err)
	}

	var interval int
	switch v := raw.Interval.(type) {
	case float64:
		interval = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("auth: invalid interval %q: %w", v, err)
		}
		interval = n
	}

	return &DeviceCodeResponse{
		DeviceAuthID: raw.DeviceAuthID,
		UserCode:     raw.UserCode,
		Interval:     interval,
	}, nil
}
