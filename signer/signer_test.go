package signer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig() Config {
	return Config{
		Issuer:          "https://auth.example.com",
		Audience:        "https://api.example.com",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()

	s, err := LoadOrGenerate(filepath.Join(t.TempDir(), "signing.pem"), testConfig(), testLogger())
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}
	return s
}

func TestLoadFailsWithoutKey(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.pem"), testConfig(), testLogger())
	if !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Load() error = %v, want ErrNoSigningKey", err)
	}
}

func TestLoadOrGeneratePersistsKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "signing.pem")

	first, err := LoadOrGenerate(keyFile, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("generated key was not persisted: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file permissions = %o, want 600", perm)
	}

	// A second load must pick up the same key, not generate a new one
	second, err := Load(keyFile, testConfig(), testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first.KeyID() != second.KeyID() {
		t.Errorf("key IDs differ across loads: %s vs %s", first.KeyID(), second.KeyID())
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	token, err := s.IssueAccessToken("client-1", "confidential", "resource:read resource:write", "user-42", "nonce-1")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	claims, err := s.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken() error = %v", err)
	}

	if claims.Subject != "client-1" {
		t.Errorf("sub = %q, want client-1", claims.Subject)
	}
	if claims.Scope != "resource:read resource:write" {
		t.Errorf("scope = %q", claims.Scope)
	}
	if claims.ClientType != "confidential" {
		t.Errorf("client_type = %q", claims.ClientType)
	}
	if claims.UserID != "user-42" {
		t.Errorf("user_id = %q", claims.UserID)
	}
	if claims.Nonce != "nonce-1" {
		t.Errorf("nonce = %q", claims.Nonce)
	}
	if claims.Issuer != "https://auth.example.com" {
		t.Errorf("iss = %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Error("jti is empty")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Fatal("exp or iat missing")
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("token lifetime = %v, want 1h", got)
	}
}

func TestTokensCarryUniqueJTI(t *testing.T) {
	s := newTestSigner(t)

	first, err := s.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	second, err := s.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	firstClaims, _ := s.VerifyAccessToken(first)
	secondClaims, _ := s.VerifyAccessToken(second)
	if firstClaims.ID == secondClaims.ID {
		t.Error("two tokens share the same jti")
	}
}

func TestTokenHeaderCarriesKeyID(t *testing.T) {
	s := newTestSigner(t)

	token, err := s.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	headerSegment := strings.SplitN(token, ".", 2)[0]
	headerJSON, err := base64.RawURLEncoding.DecodeString(headerSegment)
	if err != nil {
		t.Fatalf("failed to decode token header: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		t.Fatalf("failed to parse token header: %v", err)
	}
	if header.Alg != "RS256" {
		t.Errorf("alg = %q, want RS256", header.Alg)
	}
	if header.Kid != s.KeyID() {
		t.Errorf("kid = %q, want %q", header.Kid, s.KeyID())
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)

	token, err := other.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	if _, err := s.VerifyAccessToken(token); err == nil {
		t.Error("token signed by a different key verified successfully")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.AccessTokenTTL = -time.Hour

	s, err := LoadOrGenerate(filepath.Join(t.TempDir(), "signing.pem"), cfg, testLogger())
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}

	token, err := s.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if _, err := s.VerifyAccessToken(token); err == nil {
		t.Error("expired token verified successfully")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	s := newTestSigner(t)

	cfg := testConfig()
	cfg.Issuer = "https://other.example.com"
	other := newSigner(s.privateKey, cfg, testLogger())

	token, err := other.IssueAccessToken("client-1", "public", "resource:read", "", "")
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if _, err := s.VerifyAccessToken(token); err == nil {
		t.Error("token with foreign issuer verified successfully")
	}
}

func TestRefreshTokenShape(t *testing.T) {
	s := newTestSigner(t)

	t.Run("round trip", func(t *testing.T) {
		token, err := s.IssueRefreshToken("client-1", "resource:read", "user-42")
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}

		claims, err := s.VerifyRefreshToken(token)
		if err != nil {
			t.Fatalf("VerifyRefreshToken() error = %v", err)
		}
		if claims.Type != TokenTypeRefresh {
			t.Errorf("type = %q, want refresh", claims.Type)
		}
		if claims.Subject != "client-1" || claims.Scope != "resource:read" || claims.UserID != "user-42" {
			t.Errorf("claims = %+v", claims)
		}
	})

	t.Run("access token rejected as refresh", func(t *testing.T) {
		token, err := s.IssueAccessToken("client-1", "public", "resource:read", "", "")
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if _, err := s.VerifyRefreshToken(token); err == nil {
			t.Error("access token accepted as refresh token")
		}
	})

	t.Run("refresh token rejected as access", func(t *testing.T) {
		token, err := s.IssueRefreshToken("client-1", "resource:read", "user-42")
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}
		if _, err := s.VerifyAccessToken(token); err == nil {
			t.Error("refresh token accepted as access token")
		}
	})

	t.Run("missing sub rejected", func(t *testing.T) {
		claims := &RefreshClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "https://auth.example.com",
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Type:  TokenTypeRefresh,
			Scope: "resource:read",
		}
		token, err := s.sign(claims)
		if err != nil {
			t.Fatalf("sign() error = %v", err)
		}
		if _, err := s.VerifyRefreshToken(token); err == nil {
			t.Error("refresh token without sub accepted")
		}
	})
}

func TestJWKS(t *testing.T) {
	s := newTestSigner(t)

	doc := s.JWKS()
	keys, ok := doc["keys"].([]map[string]any)
	if !ok || len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one", doc["keys"])
	}

	key := keys[0]
	for field, want := range map[string]string{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.KeyID(),
	} {
		if key[field] != want {
			t.Errorf("%s = %v, want %s", field, key[field], want)
		}
	}

	n, _ := key["n"].(string)
	e, _ := key["e"].(string)
	if n == "" || e == "" {
		t.Fatal("modulus or exponent missing")
	}
	if _, err := base64.RawURLEncoding.DecodeString(n); err != nil {
		t.Errorf("n is not base64url: %v", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		t.Fatalf("e is not base64url: %v", err)
	}
	if len(eBytes) == 0 || eBytes[0] == 0 {
		t.Errorf("exponent %x carries leading zeros", eBytes)
	}
}
