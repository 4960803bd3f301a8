package server

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dive-iam/authcore/providers/mock"
	"github.com/dive-iam/authcore/signer"
	"github.com/dive-iam/authcore/storage"
	"github.com/dive-iam/authcore/storage/memory"
)

var (
	testSigner     *signer.Signer
	testSignerOnce sync.Once
)

// sharedTestSigner generates one RSA key pair for the whole test run
func sharedTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	testSignerOnce.Do(func() {
		dir, err := os.MkdirTemp("", "authcore-test-*")
		if err != nil {
			t.Fatalf("MkdirTemp() error = %v", err)
		}
		testSigner, err = signer.LoadOrGenerate(filepath.Join(dir, "signing.pem"), signer.Config{
			Issuer:          "https://auth.example.com",
			Audience:        "https://api.example.com",
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 24 * time.Hour,
		}, testLogger())
		if err != nil {
			t.Fatalf("LoadOrGenerate() error = %v", err)
		}
	})
	if testSigner == nil {
		t.Fatal("test signer initialization failed")
	}
	return testSigner
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server with an in-memory store, a mock identity
// provider, and the shared test signer
func newTestServer(t *testing.T) (*Server, *memory.Store, *mock.Provider) {
	t.Helper()

	store := memory.NewWithCleanupInterval(0)
	t.Cleanup(store.Stop)

	provider := mock.New()

	srv, err := New(provider, store, store, sharedTestSigner(t), &Config{
		Issuer:      "https://auth.example.com",
		Environment: EnvironmentDevelopment,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store, provider
}

// registerTestClient saves a client and returns it. secret may be empty for
// public clients.
func registerTestClient(t *testing.T, store *memory.Store, clientID, clientType, secret string, scopes []string, requirePKCE bool) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ClientID:      clientID,
		ClientType:    clientType,
		RedirectURIs:  []string{"https://app.example.com/callback", "http://localhost:8080/callback"},
		AllowedScopes: scopes,
		RequirePKCE:   requirePKCE,
		Status:        storage.ClientStatusActive,
		CreatedAt:     time.Now(),
	}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
		}
		client.ClientSecretHash = string(hash)
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

func TestNewRequiresDependencies(t *testing.T) {
	store := memory.NewWithCleanupInterval(0)
	defer store.Stop()
	sig := sharedTestSigner(t)

	tests := []struct {
		name string
		fn   func() (*Server, error)
	}{
		{"nil provider", func() (*Server, error) {
			return New(nil, store, store, sig, nil, testLogger())
		}},
		{"nil client store", func() (*Server, error) {
			return New(mock.New(), nil, store, sig, nil, testLogger())
		}},
		{"nil code store", func() (*Server, error) {
			return New(mock.New(), store, nil, sig, nil, testLogger())
		}},
		{"nil signer", func() (*Server, error) {
			return New(mock.New(), store, store, nil, nil, testLogger())
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	srv, _, _ := newTestServer(t)

	if srv.Config.AuthorizationCodeTTL != 120*time.Second {
		t.Errorf("AuthorizationCodeTTL = %v, want 120s", srv.Config.AuthorizationCodeTTL)
	}
	if srv.Config.MinStateLength != 32 {
		t.Errorf("MinStateLength = %d, want 32", srv.Config.MinStateLength)
	}
	if srv.Config.MaxParamLength != 2048 {
		t.Errorf("MaxParamLength = %d, want 2048", srv.Config.MaxParamLength)
	}
	if srv.Config.DefaultScope != "resource:read" {
		t.Errorf("DefaultScope = %q, want resource:read", srv.Config.DefaultScope)
	}
	if srv.Config.RateLimitWindow != 15*time.Minute {
		t.Errorf("RateLimitWindow = %v, want 15m", srv.Config.RateLimitWindow)
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	registerTestClient(t, store, "conf-1", storage.ClientTypeConfidential, "s3cret", []string{"resource:read"}, true)
	registerTestClient(t, store, "pub-1", storage.ClientTypePublic, "", []string{"resource:read"}, true)

	suspended := registerTestClient(t, store, "susp-1", storage.ClientTypeConfidential, "s3cret", nil, true)
	suspended.Status = "SUSPENDED"
	if err := store.SaveClient(ctx, suspended); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"confidential with correct secret", "conf-1", "s3cret", false},
		{"confidential with wrong secret", "conf-1", "nope", true},
		{"confidential without secret", "conf-1", "", true},
		{"public without secret", "pub-1", "", false},
		{"unknown client", "ghost", "s3cret", true},
		{"suspended client", "susp-1", "s3cret", true},
		{"empty client id", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, oauthErr := srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				if oauthErr == nil {
					t.Fatal("AuthenticateClient() error = nil, want invalid_client")
				}
				if oauthErr.Code != ErrorCodeInvalidClient {
					t.Errorf("error code = %q, want invalid_client", oauthErr.Code)
				}
				return
			}
			if oauthErr != nil {
				t.Fatalf("AuthenticateClient() error = %v", oauthErr)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("client ID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}
