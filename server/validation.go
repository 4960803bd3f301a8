package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// scopeTokenPattern is the allowed character set for a single scope token
var scopeTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_:]+$`)

// AuthorizationRequest carries the parameters of a GET /oauth/authorize call
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// paramValues returns every parameter value for length validation
func (r *AuthorizationRequest) paramValues() []string {
	return []string{
		r.ResponseType, r.ClientID, r.RedirectURI, r.Scope,
		r.State, r.CodeChallenge, r.CodeChallengeMethod, r.Nonce,
	}
}

// validateRedirectURIRegistered checks the redirect URI against the client's
// registered URIs. Matching is exact; no prefix or wildcard matching.
func validateRedirectURIRegistered(registered []string, redirectURI string) error {
	for _, uri := range registered {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateRedirectURIScheme requires HTTPS unless the host is localhost
func validateRedirectURIScheme(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URL")
	}

	if parsed.Scheme == "https" {
		return nil
	}

	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}

	return fmt.Errorf("redirect URI must use HTTPS (plain HTTP is only allowed for localhost)")
}

// validateScopeCharset validates every space-delimited scope token against
// the allowed character set
func validateScopeCharset(scope string) error {
	for _, token := range strings.Fields(scope) {
		if !scopeTokenPattern.MatchString(token) {
			return fmt.Errorf("scope token contains invalid characters")
		}
	}
	return nil
}

// validateStateParameter enforces presence and minimum length of the state
// parameter. Missing and too-short cases carry distinct messages.
func (s *Server) validateStateParameter(state string) *Error {
	if state == "" {
		return ErrInvalidRequest("state parameter is required for CSRF protection")
	}
	if len(state) < s.Config.MinStateLength {
		return ErrInvalidRequest(fmt.Sprintf("state parameter must be at least %d characters", s.Config.MinStateLength))
	}
	return nil
}

// validateParamLengths rejects any parameter value over the configured maximum
func (s *Server) validateParamLengths(values []string) *Error {
	for _, v := range values {
		if len(v) > s.Config.MaxParamLength {
			return ErrInvalidRequest(fmt.Sprintf("parameter value exceeds maximum length of %d characters", s.Config.MaxParamLength))
		}
	}
	return nil
}

// validatePKCE verifies a code verifier against the stored challenge per
// RFC 7636. Only the S256 method is accepted; the comparison is constant
// time so verification reveals nothing through timing.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// Code was issued without PKCE
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method != "" && method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// intersectScopes returns the requested scopes that the client is allowed
// to hold, preserving request order and dropping duplicates
func intersectScopes(requested, allowed []string) []string {
	allowedSet := make(map[string]bool, len(allowed))
	for _, scope := range allowed {
		allowedSet[scope] = true
	}

	var granted []string
	seen := make(map[string]bool, len(requested))
	for _, scope := range requested {
		if allowedSet[scope] && !seen[scope] {
			granted = append(granted, scope)
			seen[scope] = true
		}
	}
	return granted
}
