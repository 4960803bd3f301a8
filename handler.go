// Package authcore provides the HTTP surface of the authorization server:
// handlers for the authorize, callback, token, introspection, JWKS and
// discovery endpoints, wired on top of the server package's flow logic.
package authcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dive-iam/authcore/instrumentation"
	"github.com/dive-iam/authcore/security"
	"github.com/dive-iam/authcore/server"
	"github.com/dive-iam/authcore/storage"
)

const tokenTypeBearer = "Bearer"

// Handler serves the OAuth endpoints over HTTP
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for the HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all OAuth endpoints on the given mux. Every
// route carries the request-ID middleware so log lines can be correlated
// across the flow.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	register := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, security.RequestIDMiddleware(handler))
	}

	register("/oauth/authorize", h.ServeAuthorization)
	register("/oauth/callback", h.ServeCallback)
	register("/oauth/token", h.ServeToken)
	register("/oauth/introspect", h.ServeIntrospection)
	register("/oauth/jwks", h.ServeJWKS)
	register("/oauth/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
}

// ServeAuthorization handles GET /oauth/authorize. A valid request is
// answered with a 302 redirect to the external login provider; validation
// failures are JSON errors with the contractual code for each check.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "authcore.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	req := &server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	loginURL, oauthErr := h.server.BeginAuthorization(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics("authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// ServeCallback handles the return leg from the external login provider.
// On success the user agent is redirected back to the client with a fresh
// single-use code and the client's original state.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "authcore.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if errorParam := r.URL.Query().Get("error"); errorParam != "" {
		errorDesc := r.URL.Query().Get("error_description")
		h.logger.Warn("Provider returned error", "error", errorParam, "description", errorDesc)
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, errorParam)
		h.writeError(w, errorParam, errorDesc, http.StatusBadRequest)
		return
	}

	loginState := r.URL.Query().Get("state")
	if loginState == "" {
		h.recordHTTPMetrics("callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "state missing")
		h.writeError(w, ErrorCodeInvalidRequest, "state is required", http.StatusBadRequest)
		return
	}

	identity, err := h.server.Provider().VerifyCallback(ctx, r)
	if err != nil {
		h.logger.Error("Provider callback verification failed", "error", err)
		h.recordHTTPMetrics("callback", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return
	}

	redirectURL, oauthErr := h.server.CompleteAuthorization(ctx, loginState, identity.UserID)
	if oauthErr != nil {
		h.logger.Error("Failed to complete authorization", "error", oauthErr)
		h.recordHTTPMetrics("callback", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics("callback", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /oauth/token. The per-IP rate limit is enforced
// before any parsing or grant logic runs.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "authcore.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkTokenRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	for name, values := range r.PostForm {
		for _, value := range values {
			if len(value) > h.server.Config.MaxParamLength {
				h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
				instrumentation.SetSpanError(span, "parameter too long")
				h.writeError(w, ErrorCodeInvalidRequest,
					fmt.Sprintf("parameter %q exceeds maximum length", name), http.StatusBadRequest)
				return
			}
		}
	}

	client, oauthErr := h.authenticateRequestClient(ctx, r)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	grantType := r.PostFormValue("grant_type")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	var grant *server.TokenGrant
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		grant, oauthErr = h.server.ExchangeAuthorizationCode(ctx, client,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case server.GrantTypeClientCredentials:
		grant, oauthErr = h.server.ClientCredentialsGrant(ctx, client,
			r.PostFormValue("scope"), clientIP)
	case server.GrantTypeRefreshToken:
		grant, oauthErr = h.server.RefreshTokenGrant(ctx, client,
			r.PostFormValue("refresh_token"), clientIP)
	default:
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported grant type")
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", grantType), http.StatusBadRequest)
		return
	}

	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		instrumentation.SetSpanError(span, oauthErr.Code)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Token issued",
		"grant_type", grantType, "client_id", client.ClientID, "ip", clientIP)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, grant)
}

// ServeIntrospection handles POST /oauth/introspect (RFC 7662). Callers
// must authenticate with HTTP Basic credentials; the response never
// distinguishes why a token is inactive.
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "authcore.http.introspection")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "missing credentials")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication required", http.StatusUnauthorized)
		return
	}

	client, oauthErr := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if oauthErr != nil {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "client authentication failed")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspect", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	result := h.server.Introspect(ctx, r.PostFormValue("token"))

	if h.server.Auditor != nil {
		h.server.Auditor.LogIntrospection(client.ClientID, clientIP, result.Active)
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().Introspections.Add(ctx, 1,
			attrOption(attribute.Bool(instrumentation.AttrTokenActive, result.Active)))
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.Bool(instrumentation.AttrTokenActive, result.Active),
	)

	response := IntrospectionResponse{Active: result.Active}
	if result.Active {
		response.Scope = result.Scope
		response.ClientID = result.ClientID
		response.Subject = result.Subject
		response.TokenType = result.TokenType
		response.UserID = result.UserID
		response.ExpiresAt = result.ExpiresAt
		response.IssuedAt = result.IssuedAt
		response.Issuer = result.Issuer
		response.Audience = result.Audience
	}

	h.recordHTTPMetrics("introspect", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// ServeJWKS publishes the verification key set
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sig := h.server.Signer()
	if sig == nil {
		h.recordHTTPMetrics("jwks", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Signing key unavailable", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics("jwks", r.Method, http.StatusOK, startTime)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(sig.JWKS())
}

// ServeOpenIDConfiguration serves the static discovery document. The same
// metadata satisfies RFC 8414 and OpenID Connect Discovery consumers.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("discovery", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := h.server.Config.Issuer
	metadata := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"introspection_endpoint":                issuer + "/oauth/introspect",
		"jwks_uri":                              issuer + "/oauth/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{server.GrantTypeAuthorizationCode, server.GrantTypeClientCredentials, server.GrantTypeRefreshToken},
		"code_challenge_methods_supported":      []string{server.PKCEMethodS256},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
	}
	if h.server.Config.DefaultScope != "" {
		metadata["scopes_supported"] = []string{h.server.Config.DefaultScope}
	}

	h.recordHTTPMetrics("discovery", r.Method, http.StatusOK, startTime)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// checkTokenRateLimit enforces the per-IP token endpoint budget. Returns
// true when the request was rejected and the response already written.
func (h *Handler) checkTokenRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Token endpoint rate limit exceeded",
		"ip", clientIP,
		"budget", h.server.Config.RateLimitBudget,
		"window", h.server.Config.RateLimitWindow)

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RateLimitExceeded.Add(r.Context(), 1,
			attrOption(attribute.String(instrumentation.AttrRateLimiterType, "ip")))
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeTooManyRequests,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// authenticateRequestClient resolves client credentials from HTTP Basic
// auth or form parameters and authenticates the client.
func (h *Handler) authenticateRequestClient(ctx context.Context, r *http.Request) (*storage.Client, *Error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	return h.server.AuthenticateClient(ctx, clientID, clientSecret)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// recordHTTPMetrics records request count and duration for an endpoint
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	ctx := context.Background()
	attrs := attrOption(
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.String(instrumentation.AttrHTTPMethod, method),
		attribute.Int(instrumentation.AttrHTTPStatusCode, status),
	)

	metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
	metrics.HTTPRequestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)
}

// attrOption packages span attributes as a metric measurement option
func attrOption(attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(attrs...)
}
