package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/dive-iam/authcore/internal/util"
	"github.com/dive-iam/authcore/storage"
)

// BeginAuthorization validates an authorization request and starts the
// interactive login round trip. The original request is persisted server-side
// under an opaque login state; only that opaque value travels to the identity
// provider. On success it returns the provider login URL to redirect the
// resource owner to.
//
// Validation order is contractual: the first failing check wins and each
// maps to a distinct OAuth error code.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (string, *Error) {
	// 1. Only the authorization code flow is supported
	if req.ResponseType != "code" {
		return "", ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported (only \"code\")", req.ResponseType))
	}

	// 2. client_id and redirect_uri are required
	if req.ClientID == "" || req.RedirectURI == "" {
		return "", ErrInvalidRequest("client_id and redirect_uri are required")
	}

	// 3. Client must resolve and be ACTIVE
	client, err := s.lookupClient(ctx, req.ClientID)
	if err != nil || !client.IsActive() {
		s.Logger.Debug("Authorization rejected: client unavailable",
			"client_id", req.ClientID, "error", err)
		return "", NewError(ErrorCodeInvalidClient, "Unknown or inactive client", 400)
	}

	// 4. Exact-match redirect URI
	if err := validateRedirectURIRegistered(client.RedirectURIs, req.RedirectURI); err != nil {
		return "", ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	// 5. PKCE required by client registration
	if client.RequirePKCE && req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required for this client")
	}

	// 6. The plain method is rejected outright (downgrade protection)
	if req.CodeChallengeMethod == PKCEMethodPlain {
		return "", ErrInvalidRequest("code_challenge_method \"plain\" is not allowed (only S256)")
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "" && req.CodeChallengeMethod != PKCEMethodS256 {
		return "", ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", req.CodeChallengeMethod))
	}

	// 7. HTTPS-only redirect URIs, localhost excepted
	if err := validateRedirectURIScheme(req.RedirectURI); err != nil {
		return "", ErrInvalidRequest(err.Error())
	}

	// 8. State presence and minimum length
	if oauthErr := s.validateStateParameter(req.State); oauthErr != nil {
		return "", oauthErr
	}

	// 9. Scope character set
	if req.Scope != "" {
		if err := validateScopeCharset(req.Scope); err != nil {
			return "", NewError(ErrorCodeInvalidScope, err.Error(), 400)
		}
	}

	// 10. Parameter length ceiling
	if oauthErr := s.validateParamLengths(req.paramValues()); oauthErr != nil {
		return "", oauthErr
	}

	loginState := oauth2.GenerateVerifier()
	now := time.Now()

	pending := &storage.PendingAuthorization{
		LoginState:          loginState,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		ClientState:         req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.PendingAuthorizationTTL),
	}
	if err := s.codeStore.SavePendingAuthorization(ctx, pending); err != nil {
		s.Logger.Error("Failed to save pending authorization",
			"client_id", req.ClientID, "error", err)
		return "", ErrServerError("Failed to start authorization flow")
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().AuthorizationStarted.Add(ctx, 1)
	}
	s.Logger.Debug("Authorization flow started",
		"client_id", req.ClientID,
		"login_state_prefix", util.SafeTruncate(loginState, 8))

	return s.provider.LoginURL(loginState), nil
}

// CompleteAuthorization finishes the login round trip: it takes the pending
// request recorded under loginState, issues a single-use authorization code
// bound to the authenticated user, and returns the client redirect URL
// carrying code and the client's original state.
func (s *Server) CompleteAuthorization(ctx context.Context, loginState, userID string) (string, *Error) {
	if loginState == "" || userID == "" {
		return "", ErrInvalidRequest("login state and authenticated user are required")
	}

	pending, err := s.codeStore.TakePendingAuthorization(ctx, loginState)
	if err != nil {
		s.Logger.Debug("Pending authorization not found",
			"login_state_prefix", util.SafeTruncate(loginState, 8), "error", err)
		return "", ErrInvalidRequest("unknown or expired authorization request")
	}

	code, oauthErr := s.issueAuthorizationCode(ctx, pending, userID)
	if oauthErr != nil {
		return "", oauthErr
	}

	redirect, parseErr := url.Parse(pending.RedirectURI)
	if parseErr != nil {
		return "", ErrServerError("stored redirect URI is invalid")
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", pending.ClientState)
	redirect.RawQuery = q.Encode()

	return redirect.String(), nil
}

// issueAuthorizationCode generates a fresh single-use code for the pending
// request. The code value carries 256 bits of entropy.
func (s *Server) issueAuthorizationCode(ctx context.Context, pending *storage.PendingAuthorization, userID string) (string, *Error) {
	code := oauth2.GenerateVerifier()
	now := time.Now()

	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		UserID:              userID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, record); err != nil {
		s.Logger.Error("Failed to save authorization code",
			"client_id", pending.ClientID, "error", err)
		return "", ErrServerError("Failed to issue authorization code")
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(userID, pending.ClientID, "")
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().CodesIssued.Add(ctx, 1)
	}
	s.Logger.Info("Authorization code issued",
		"client_id", pending.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))

	return code, nil
}
