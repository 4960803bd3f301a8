package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dive-iam/authcore/instrumentation"
	"github.com/dive-iam/authcore/providers"
	"github.com/dive-iam/authcore/security"
	"github.com/dive-iam/authcore/signer"
	"github.com/dive-iam/authcore/storage"
)

// Server implements the authorization server logic. All collaborators are
// injected at construction; there is no global state.
type Server struct {
	provider    providers.IdentityProvider
	clientStore storage.ClientStore
	codeStore   storage.CodeStore
	signer      *signer.Signer

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter
	Instrumentation *instrumentation.Instrumentation

	Logger *slog.Logger
	Config *Config
}

// New creates a new authorization server
func New(
	provider providers.IdentityProvider,
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	tokenSigner *signer.Signer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenSigner == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		provider:    provider,
		clientStore: clientStore,
		codeStore:   codeStore,
		signer:      tokenSigner,
		Logger:      logger,
		Config:      config,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the per-IP rate limiter for the token endpoint
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server
// and its storage backends
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst

	type instrumentable interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.clientStore.(instrumentable); ok {
		setter.SetInstrumentation(inst)
	}
	if setter, ok := s.codeStore.(instrumentable); ok && any(s.codeStore) != any(s.clientStore) {
		setter.SetInstrumentation(inst)
	}
}

// Signer exposes the token signer for JWKS and discovery surfaces
func (s *Server) Signer() *signer.Signer {
	return s.signer
}

// Provider exposes the identity provider, primarily for health checks
func (s *Server) Provider() providers.IdentityProvider {
	return s.provider
}

// lookupClient resolves a client from the registry with a bounded timeout.
// A slow or unreachable registry fails closed.
func (s *Server) lookupClient(ctx context.Context, clientID string) (*storage.Client, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.Config.RegistryLookupTimeout)
	defer cancel()

	client, err := s.clientStore.GetClient(lookupCtx, clientID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// AuthenticateClient resolves a client and verifies its credentials.
// Confidential clients must present a matching secret; public clients
// present none. Only ACTIVE clients may obtain tokens. Every failure maps
// to the same generic invalid_client error so callers cannot enumerate
// registered clients.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidClient("Client authentication failed")
	}

	client, err := s.lookupClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Client lookup failed", "client_id", clientID, "error", err)
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if !client.IsActive() {
		s.Logger.Debug("Client is not active", "client_id", clientID, "status", client.Status)
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.IsConfidential() {
		if clientSecret == "" {
			s.Logger.Debug("Confidential client presented no secret", "client_id", clientID)
			return nil, ErrInvalidClient("Client authentication failed")
		}
		lookupCtx, cancel := context.WithTimeout(ctx, s.Config.RegistryLookupTimeout)
		defer cancel()
		if err := s.clientStore.ValidateClientSecret(lookupCtx, clientID, clientSecret); err != nil {
			s.Logger.Debug("Client secret validation failed", "client_id", clientID, "error", err)
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, "", "client secret mismatch")
			}
			return nil, ErrInvalidClient("Client authentication failed")
		}
	}

	return client, nil
}

// recordClientActivity stamps the client's last activity time. Failures are
// logged but never fail the grant; the stamp is advisory.
func (s *Server) recordClientActivity(ctx context.Context, clientID string) {
	if err := s.clientStore.UpdateLastActivity(ctx, clientID, time.Now()); err != nil {
		s.Logger.Debug("Failed to record client activity", "client_id", clientID, "error", err)
	}
}
