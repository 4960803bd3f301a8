package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dive-iam/authcore"
	"github.com/dive-iam/authcore/instrumentation"
	"github.com/dive-iam/authcore/providers"
	"github.com/dive-iam/authcore/providers/oidc"
	"github.com/dive-iam/authcore/security"
	"github.com/dive-iam/authcore/server"
	"github.com/dive-iam/authcore/signer"
	"github.com/dive-iam/authcore/storage"
	"github.com/dive-iam/authcore/storage/memory"
	"github.com/dive-iam/authcore/storage/valkey"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		RunE:  runServe,
	}

	flags := serveCmd.Flags()
	flags.String("listen-address", ":8080", "Address to listen on")
	flags.String("issuer", "http://localhost:8080", "Issuer base URL (iss claim, must be HTTPS in production)")
	flags.String("audience", "", "Audience for issued tokens (aud claim, defaults to the issuer)")
	flags.String("environment", server.EnvironmentDevelopment, "Deployment environment (development or production)")
	flags.String("signing-key", "signing.pem", "Path to the RSA signing key (PEM)")
	flags.String("storage", "memory", "Storage backend (memory or valkey)")
	flags.String("valkey-address", "localhost:6379", "Valkey server address")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.Int("rate-limit-budget", 100, "Token endpoint requests allowed per IP per window")
	flags.Duration("rate-limit-window", 15*time.Minute, "Rate limit window")
	flags.Duration("access-token-ttl", time.Hour, "Access token lifetime")
	flags.Duration("refresh-token-ttl", 30*24*time.Hour, "Refresh token lifetime")
	flags.Duration("code-ttl", 2*time.Minute, "Authorization code lifetime")
	flags.String("default-scope", "resource:read", "Scope granted when a client requests none")
	flags.Bool("trust-proxy", false, "Trust X-Forwarded-For from the fronting proxy")
	flags.Int("trusted-proxy-count", 1, "Number of trusted proxies in front of the server")
	flags.Bool("telemetry", false, "Enable OpenTelemetry metrics and traces")
	flags.Bool("audit-log", true, "Enable security audit logging")
	flags.String("oidc-client-id", "", "Upstream OIDC client ID")
	flags.String("oidc-client-secret", "", "Upstream OIDC client secret")
	flags.String("oidc-auth-url", "", "Upstream OIDC authorization endpoint")
	flags.String("oidc-token-url", "", "Upstream OIDC token endpoint")
	flags.String("oidc-userinfo-url", "", "Upstream OIDC userinfo endpoint")
	flags.String("oidc-redirect-url", "", "Callback URL registered at the upstream provider")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("failed to bind serve flags: %v", err))
	}

	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	environment := viper.GetString("environment")
	logger := setupLogger(environment)

	issuer := viper.GetString("issuer")
	audience := viper.GetString("audience")
	if audience == "" {
		audience = issuer
	}

	tokenSigner, err := setupSigner(environment, issuer, audience, logger)
	if err != nil {
		return err
	}

	clientStore, codeStore, cleanup, err := setupStorage(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := setupProvider()
	if err != nil {
		return err
	}

	srv, err := server.New(provider, clientStore, codeStore, tokenSigner, &server.Config{
		Issuer:               issuer,
		Environment:          environment,
		AuthorizationCodeTTL: viper.GetDuration("code-ttl"),
		AccessTokenTTL:       viper.GetDuration("access-token-ttl"),
		RefreshTokenTTL:      viper.GetDuration("refresh-token-ttl"),
		DefaultScope:         viper.GetString("default-scope"),
		RateLimitBudget:      viper.GetInt("rate-limit-budget"),
		RateLimitWindow:      viper.GetDuration("rate-limit-window"),
		TrustProxy:           viper.GetBool("trust-proxy"),
		TrustedProxyCount:    viper.GetInt("trusted-proxy-count"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, viper.GetBool("audit-log")))

	limiter := security.NewRateLimiter(
		viper.GetInt("rate-limit-budget"),
		viper.GetDuration("rate-limit-window"),
		logger)
	defer limiter.Stop()
	srv.SetRateLimiter(limiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authcore",
		ServiceVersion: "dev",
		Enabled:        viper.GetBool("telemetry"),
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()
	srv.SetInstrumentation(inst)

	mux := http.NewServeMux()
	authcore.NewHandler(srv, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen-address"),
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"address", httpServer.Addr, "issuer", issuer, "environment", environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// setupLogger builds the process logger: JSON in production, text with
// optional debug level otherwise.
func setupLogger(environment string) *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if environment == server.EnvironmentProduction {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// setupSigner loads the signing key. In production a missing key is a
// startup failure; in development a fresh key pair is generated.
func setupSigner(environment, issuer, audience string, logger *slog.Logger) (*signer.Signer, error) {
	cfg := signer.Config{
		Issuer:          issuer,
		Audience:        audience,
		AccessTokenTTL:  viper.GetDuration("access-token-ttl"),
		RefreshTokenTTL: viper.GetDuration("refresh-token-ttl"),
	}

	keyFile := viper.GetString("signing-key")
	if environment == server.EnvironmentProduction {
		s, err := signer.Load(keyFile, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key (required in production): %w", err)
		}
		return s, nil
	}
	return signer.LoadOrGenerate(keyFile, cfg, logger)
}

// setupStorage selects the storage backend. The returned cleanup stops
// background sweepers or closes the connection.
func setupStorage(logger *slog.Logger) (storage.ClientStore, storage.CodeStore, func(), error) {
	switch backend := viper.GetString("storage"); backend {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		return store, store, store.Stop, nil
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:  viper.GetString("valkey-address"),
			Password: viper.GetString("valkey-password"),
			DB:       viper.GetInt("valkey-db"),
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store, store.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// setupProvider builds the upstream identity provider from configuration
func setupProvider() (providers.IdentityProvider, error) {
	cfg := &oidc.Config{
		ClientID:     viper.GetString("oidc-client-id"),
		ClientSecret: viper.GetString("oidc-client-secret"),
		AuthURL:      viper.GetString("oidc-auth-url"),
		TokenURL:     viper.GetString("oidc-token-url"),
		UserInfoURL:  viper.GetString("oidc-userinfo-url"),
		RedirectURL:  viper.GetString("oidc-redirect-url"),
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}

	provider, err := oidc.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure identity provider: %w", err)
	}
	return provider, nil
}
