package signer

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeRefresh is the value of the "type" claim that marks a refresh
// token. Access tokens carry no "type" claim.
const TokenTypeRefresh = "refresh"

// AccessClaims is the validated claim set of an access token. Tokens are
// self-contained: everything a downstream policy evaluator needs travels in
// the signed payload.
type AccessClaims struct {
	jwt.RegisteredClaims

	// Scope is the space-delimited set of granted scopes.
	Scope string `json:"scope"`

	// ClientType records whether the subject client is public or
	// confidential, for downstream policy decisions.
	ClientType string `json:"client_type"`

	// UserID identifies the end user on whose behalf the token was issued.
	// Empty for client_credentials tokens.
	UserID string `json:"user_id,omitempty"`

	// Nonce is passed through from the authorization request when present.
	Nonce string `json:"nonce,omitempty"`

	// Type is empty on access tokens. It is decoded so verification can
	// reject refresh tokens presented as access tokens.
	Type string `json:"type,omitempty"`
}

// validateShape rejects tokens carrying a token-kind marker, so a refresh
// token can never be accepted where an access token is expected.
func (c *AccessClaims) validateShape() error {
	if c.Type != "" {
		return fmt.Errorf("token type %q is not an access token", c.Type)
	}
	return nil
}

// RefreshClaims is the validated claim set of a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims

	// Type must equal "refresh"; the token endpoint rejects anything else
	// so an access token can never be replayed as a refresh token.
	Type string `json:"type"`

	// Scope is the scope set originally granted alongside this refresh
	// token; replayed onto access tokens minted from it.
	Scope string `json:"scope"`

	// UserID is the original end-user binding, carried forward on refresh.
	UserID string `json:"user_id,omitempty"`
}

// validateShape rejects refresh tokens whose claim set does not match the
// expected shape before any field is trusted.
func (c *RefreshClaims) validateShape() error {
	if c.Type != TokenTypeRefresh {
		return fmt.Errorf("token type %q is not a refresh token", c.Type)
	}
	if c.Subject == "" {
		return fmt.Errorf("refresh token missing sub claim")
	}
	return nil
}
