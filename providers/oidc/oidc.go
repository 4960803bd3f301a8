// Package oidc implements an IdentityProvider backed by an upstream
// OpenID Connect provider using the standard authorization code flow.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/dive-iam/authcore/providers"
)

// Config holds upstream OIDC provider configuration
type Config struct {
	// ClientID is the client ID registered at the upstream provider (required)
	ClientID string

	// ClientSecret is the client secret registered at the upstream provider (required)
	ClientSecret string

	// AuthURL is the upstream authorization endpoint (required)
	AuthURL string

	// TokenURL is the upstream token endpoint (required)
	TokenURL string

	// UserInfoURL is the upstream userinfo endpoint (required)
	UserInfoURL string

	// RedirectURL is this server's callback URL registered upstream (required)
	RedirectURL string

	// Scopes requested from the upstream provider.
	// Defaults to "openid email profile".
	Scopes []string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client
}

// Provider implements providers.IdentityProvider against an upstream
// OIDC provider
type Provider struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

var _ providers.IdentityProvider = (*Provider)(nil)

// New creates an upstream OIDC identity provider
func New(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("auth, token, and userinfo URLs are required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "oidc"
}

// LoginURL returns the upstream authorization URL carrying loginState
func (p *Provider) LoginURL(loginState string) string {
	return p.config.AuthCodeURL(loginState, oauth2.AccessTypeOffline)
}

// VerifyCallback exchanges the upstream code and resolves the identity
// via the userinfo endpoint
func (p *Provider) VerifyCallback(ctx context.Context, r *http.Request) (*providers.Identity, error) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		return nil, fmt.Errorf("upstream provider returned error: %s", errParam)
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback missing code parameter")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange upstream code: %w", err)
	}

	return p.fetchUserInfo(ctx, token)
}

// HealthCheck verifies the userinfo endpoint is reachable.
// An HTTP 401 is expected without credentials and still counts as healthy.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream provider unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// userInfoResponse is the standard OIDC userinfo payload
type userInfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (p *Provider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*providers.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: status %d", resp.StatusCode)
	}

	var info userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo response missing sub claim")
	}

	return &providers.Identity{
		UserID:        info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
	}, nil
}
