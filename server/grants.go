package server

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dive-iam/authcore/instrumentation"
	"github.com/dive-iam/authcore/security"
	"github.com/dive-iam/authcore/storage"
)

// Grant type identifiers
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenGrant is the outcome of a successful grant: the signed tokens and
// the scope they were issued for
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
}

// IntrospectionResult reports a token's status per RFC 7662. When Active is
// false all other fields are zero.
type IntrospectionResult struct {
	Active    bool
	Scope     string
	ClientID  string
	Subject   string
	TokenType string
	UserID    string
	ExpiresAt int64
	IssuedAt  int64
	Issuer    string
	Audience  string
}

// ExchangeAuthorizationCode performs the authorization_code grant for an
// already-authenticated client. The code is consumed atomically; on any
// mismatch, expiry, or reuse the caller receives a generic invalid_grant.
// A refresh token is issued only to confidential clients.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (*TokenGrant, *Error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	record, err := s.codeStore.ValidateAndConsume(ctx, code, client.ClientID, redirectURI)
	if err != nil {
		s.Logger.Debug("Authorization code consumption failed",
			"client_id", client.ClientID, "error", err)
		if errors.Is(err, storage.ErrCodeConsumed) {
			if s.Auditor != nil {
				s.Auditor.LogCodeReplay(client.ClientID, clientIP)
			}
			if s.Instrumentation != nil {
				s.Instrumentation.Metrics().CodeReplayDetected.Add(ctx, 1)
			}
		}
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeAuthorizationCode, "code validation failed")
		return nil, ErrInvalidGrant("Authorization code is invalid or expired")
	}

	if err := validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		s.Logger.Debug("PKCE verification failed",
			"client_id", client.ClientID, "error", err)
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().PKCEValidationFailed.Add(ctx, 1)
		}
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeAuthorizationCode, "pkce verification failed")
		return nil, ErrInvalidGrant("Authorization code is invalid or expired")
	}

	accessToken, err := s.signer.IssueAccessToken(client.ClientID, client.ClientType, record.Scope, record.UserID, record.Nonce)
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Failed to issue token")
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.signer.AccessTokenTTL().Seconds()),
		Scope:       record.Scope,
	}

	if client.IsConfidential() {
		refreshToken, err := s.signer.IssueRefreshToken(client.ClientID, record.Scope, record.UserID)
		if err != nil {
			s.Logger.Error("Failed to sign refresh token", "client_id", client.ClientID, "error", err)
			return nil, ErrServerError("Failed to issue token")
		}
		grant.RefreshToken = refreshToken
	}

	s.recordTokenIssued(ctx, GrantTypeAuthorizationCode, client, record.UserID, record.Scope, clientIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().CodesConsumed.Add(ctx, 1)
	}
	return grant, nil
}

// ClientCredentialsGrant performs the client_credentials grant for an
// already-authenticated client. The grant is restricted to confidential
// clients: public clients carry no secret, so this grant would otherwise
// hand out tokens on a bare client id. The requested scopes are intersected
// with the client's allowed scopes; an empty intersection fails
// invalid_scope. No refresh token is issued. Client activity is recorded as
// a side effect.
func (s *Server) ClientCredentialsGrant(ctx context.Context, client *storage.Client, requestedScope, clientIP string) (*TokenGrant, *Error) {
	if !client.IsConfidential() {
		s.Logger.Debug("Public client attempted client_credentials grant",
			"client_id", client.ClientID)
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeClientCredentials, "public client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if requestedScope != "" {
		if err := validateScopeCharset(requestedScope); err != nil {
			s.auditGrantFailure(client.ClientID, clientIP, GrantTypeClientCredentials, "invalid scope charset")
			return nil, ErrInvalidScope(err.Error())
		}
	}

	requested := strings.Fields(requestedScope)
	if len(requested) == 0 {
		requested = strings.Fields(s.Config.DefaultScope)
	}

	granted := intersectScopes(requested, client.AllowedScopes)
	if len(granted) == 0 {
		s.Logger.Debug("Scope intersection is empty",
			"client_id", client.ClientID, "requested", requestedScope)
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeClientCredentials, "empty scope intersection")
		return nil, ErrInvalidScope("none of the requested scopes are allowed for this client")
	}
	scope := strings.Join(granted, " ")

	accessToken, err := s.signer.IssueAccessToken(client.ClientID, client.ClientType, scope, "", "")
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Failed to issue token")
	}

	s.recordClientActivity(ctx, client.ClientID)
	s.recordTokenIssued(ctx, GrantTypeClientCredentials, client, "", scope, clientIP)

	return &TokenGrant{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.signer.AccessTokenTTL().Seconds()),
		Scope:       scope,
	}, nil
}

// RefreshTokenGrant performs the refresh_token grant for an
// already-authenticated client. The presented token must verify against the
// current public key, carry type "refresh", and be bound to the presenting
// client. The refresh token itself is not rotated; it stays valid for its
// original lifetime.
func (s *Server) RefreshTokenGrant(ctx context.Context, client *storage.Client, refreshToken, clientIP string) (*TokenGrant, *Error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	claims, err := s.signer.VerifyRefreshToken(refreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token verification failed",
			"client_id", client.ClientID, "error", err)
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeRefreshToken, "refresh token verification failed")
		return nil, ErrInvalidGrant("Refresh token is invalid or expired")
	}

	if claims.Subject != client.ClientID {
		s.Logger.Debug("Refresh token subject mismatch",
			"client_id", client.ClientID)
		s.auditGrantFailure(client.ClientID, clientIP, GrantTypeRefreshToken, "subject mismatch")
		return nil, ErrInvalidGrant("Refresh token is invalid or expired")
	}

	accessToken, err := s.signer.IssueAccessToken(client.ClientID, client.ClientType, claims.Scope, claims.UserID, "")
	if err != nil {
		s.Logger.Error("Failed to sign access token", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Failed to issue token")
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventTokenRefreshed,
			UserID:    claims.UserID,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"scope": claims.Scope},
		})
	}
	s.recordGrantMetrics(ctx, GrantTypeRefreshToken, client.ClientType)

	return &TokenGrant{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.signer.AccessTokenTTL().Seconds()),
		Scope:       claims.Scope,
	}, nil
}

// Introspect reports a presented token's status. Verification failures are
// never errors here: a bad token is simply inactive.
func (s *Server) Introspect(ctx context.Context, token string) *IntrospectionResult {
	if token == "" {
		return &IntrospectionResult{Active: false}
	}

	if claims, err := s.signer.VerifyAccessToken(token); err == nil {
		result := &IntrospectionResult{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.Subject,
			Subject:   claims.Subject,
			TokenType: "Bearer",
			UserID:    claims.UserID,
			Issuer:    claims.Issuer,
		}
		if claims.ExpiresAt != nil {
			result.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			result.IssuedAt = claims.IssuedAt.Unix()
		}
		if len(claims.Audience) > 0 {
			result.Audience = claims.Audience[0]
		}
		return result
	}

	if claims, err := s.signer.VerifyRefreshToken(token); err == nil {
		result := &IntrospectionResult{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.Subject,
			Subject:   claims.Subject,
			TokenType: "refresh",
			UserID:    claims.UserID,
			Issuer:    claims.Issuer,
		}
		if claims.ExpiresAt != nil {
			result.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			result.IssuedAt = claims.IssuedAt.Unix()
		}
		if len(claims.Audience) > 0 {
			result.Audience = claims.Audience[0]
		}
		return result
	}

	return &IntrospectionResult{Active: false}
}

// auditGrantFailure records a failed grant attempt when auditing is enabled
func (s *Server) auditGrantFailure(clientID, clientIP, grantType, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogGrantFailure(clientID, clientIP, grantType, reason)
	}
}

// recordTokenIssued emits the audit event and metrics for a token issuance
func (s *Server) recordTokenIssued(ctx context.Context, grantType string, client *storage.Client, userID, scope, clientIP string) {
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, client.ClientID, clientIP, grantType, scope)
	}
	s.recordGrantMetrics(ctx, grantType, client.ClientType)
	s.Logger.Info("Token issued",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"scope", scope)
}

func (s *Server) recordGrantMetrics(ctx context.Context, grantType, clientType string) {
	if s.Instrumentation == nil {
		return
	}
	s.Instrumentation.Metrics().TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientType, clientType),
	))
}
