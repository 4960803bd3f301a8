// Package mock provides a mock IdentityProvider implementation for testing.
package mock

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/dive-iam/authcore/providers"
)

// Provider is a mock implementation of providers.IdentityProvider.
// Behavior is configured through function fields; unset fields fall back
// to sensible defaults.
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// LoginURLFunc is called when LoginURL() is invoked
	LoginURLFunc func(loginState string) string

	// VerifyCallbackFunc is called when VerifyCallback() is invoked
	VerifyCallbackFunc func(ctx context.Context, r *http.Request) (*providers.Identity, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.Mutex
}

var _ providers.IdentityProvider = (*Provider)(nil)

// New creates a mock provider with default implementations
func New() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		LoginURLFunc: func(loginState string) string {
			return "https://idp.example.com/login?state=" + loginState
		},
		VerifyCallbackFunc: func(ctx context.Context, r *http.Request) (*providers.Identity, error) {
			return &providers.Identity{
				UserID:        "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// Name returns the provider name
func (m *Provider) Name() string {
	// Release the lock before calling the user function so it can safely
	// call other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// LoginURL returns the configured login URL
func (m *Provider) LoginURL(loginState string) string {
	m.mu.Lock()
	m.CallCounts["LoginURL"]++
	fn := m.LoginURLFunc
	m.mu.Unlock()

	if fn == nil {
		return "https://idp.example.com/login?state=" + loginState
	}
	return fn(loginState)
}

// VerifyCallback validates the callback request
func (m *Provider) VerifyCallback(ctx context.Context, r *http.Request) (*providers.Identity, error) {
	m.mu.Lock()
	m.CallCounts["VerifyCallback"]++
	fn := m.VerifyCallbackFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("VerifyCallbackFunc not configured")
	}
	return fn(ctx, r)
}

// HealthCheck reports the configured health status
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	fn := m.HealthCheckFunc
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}
