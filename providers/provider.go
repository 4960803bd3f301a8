// Package providers defines the interface for external identity providers
// that authenticate resource owners during the authorization flow.
package providers

import (
	"context"
	"net/http"
)

// IdentityProvider authenticates resource owners on behalf of the
// authorization server. The server redirects unauthenticated users to
// LoginURL and completes the round trip in VerifyCallback.
type IdentityProvider interface {
	// Name returns the provider name (e.g., "oidc", "mock")
	Name() string

	// LoginURL returns the URL to redirect the resource owner to for
	// authentication. loginState is an opaque value the provider must
	// echo back in the callback's state parameter.
	LoginURL(loginState string) string

	// VerifyCallback validates the provider callback request and returns
	// the authenticated identity. It must fail closed: any ambiguity in
	// the callback is an error, never an anonymous identity.
	VerifyCallback(ctx context.Context, r *http.Request) (*Identity, error)

	// HealthCheck verifies that the provider is reachable.
	// Useful for readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// Identity represents an authenticated resource owner
type Identity struct {
	// UserID is the unique user identifier from the provider
	UserID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's display name
	Name string
}
