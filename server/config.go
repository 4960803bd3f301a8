package server

import (
	"log/slog"
	"time"
)

// Environment names recognized by the server
const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// Environment is the deployment environment ("production" or "development").
	// In production the signing key must exist at startup; key generation is
	// a development-only path.
	Environment string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Codes are short-lived single-use credentials; default 120 seconds.
	AuthorizationCodeTTL time.Duration

	// PendingAuthorizationTTL is how long an interactive login round trip
	// may take before the pending request expires. Default: 10 minutes.
	PendingAuthorizationTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid. Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid. Default: 30 days.
	RefreshTokenTTL time.Duration

	// MinStateLength is the minimum length for the state parameter.
	// Short state values weaken CSRF protection. Default: 32.
	MinStateLength int

	// MaxParamLength is the maximum length for any request parameter value.
	// Oversized parameters are rejected before further processing. Default: 2048.
	MaxParamLength int

	// DefaultScope is granted when a client_credentials request carries no
	// scope parameter. Default: "resource:read".
	DefaultScope string

	// RateLimitBudget is the number of token endpoint requests allowed per
	// IP per window. Default: 100.
	RateLimitBudget int

	// RateLimitWindow is the rate limiting window. Default: 15 minutes.
	RateLimitWindow time.Duration

	// RegistryLookupTimeout bounds client registry lookups so a slow
	// registry cannot stall the token endpoint. Default: 5 seconds.
	RegistryLookupTimeout time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy. Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP. Default: 1.
	TrustedProxyCount int
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Environment == "" {
		config.Environment = EnvironmentProduction
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 120 * time.Second
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 1 * time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 32
	}
	if config.MaxParamLength == 0 {
		config.MaxParamLength = 2048
	}
	if config.DefaultScope == "" {
		config.DefaultScope = "resource:read"
	}
	if config.RateLimitBudget == 0 {
		config.RateLimitBudget = 100
	}
	if config.RateLimitWindow == 0 {
		config.RateLimitWindow = 15 * time.Minute
	}
	if config.RegistryLookupTimeout == 0 {
		config.RegistryLookupTimeout = 5 * time.Second
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.AuthorizationCodeTTL > 2*time.Minute {
		logger.Warn("Authorization code TTL exceeds the recommended maximum",
			"configured", config.AuthorizationCodeTTL,
			"recommended_max", 2*time.Minute)
	}
	if config.Environment == EnvironmentDevelopment {
		logger.Warn("Running in development environment",
			"note", "signing keys may be generated on the fly")
	}

	return config
}
