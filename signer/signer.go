// Package signer holds the process signing key pair and issues and verifies
// the bearer tokens this server produces. One asymmetric RSA key pair is
// loaded at startup and is immutable for the process lifetime; signing uses
// the private key, verification and the published JWKS use the public key.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dive-iam/authcore/security"
)

const keySize = 2048

// ErrNoSigningKey is returned by Load when the key file does not exist.
// Production deployments must fail fast on this instead of generating keys
// on the fly.
var ErrNoSigningKey = errors.New("signing key not found")

// Config holds token issuance parameters.
type Config struct {
	// Issuer is the iss claim on every token (the server's base URL).
	Issuer string

	// Audience is the aud claim; identifies the protected resource APIs
	// tokens issued here are valid for.
	Audience string

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration
}

// Signer signs and verifies bearer tokens with a single RSA key pair.
// The key material is read-only after construction, so a Signer is safe for
// concurrent use without synchronization.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	config     Config
	logger     *slog.Logger
}

// Load creates a Signer from a PEM-encoded RSA private key file (PKCS#1 or
// PKCS#8). Returns ErrNoSigningKey when the file is absent; callers in
// production must treat that as fatal.
func Load(keyFile string, config Config, logger *slog.Logger) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, keyFile)
		}
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	key, err := parsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", keyFile, err)
	}

	return newSigner(key, config, logger), nil
}

// LoadOrGenerate is the development-only startup path: it loads the key if
// present and otherwise generates a fresh RSA key pair and persists it to
// keyFile with 0600 permissions. Never use in production; Load fails fast
// there instead.
func LoadOrGenerate(keyFile string, config Config, logger *slog.Logger) (*Signer, error) {
	s, err := Load(keyFile, config, logger)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNoSigningKey) {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("signing key missing, generating development key pair",
		"key_file", keyFile)

	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	if err := writePrivateKeyPEM(keyFile, key); err != nil {
		return nil, err
	}

	return newSigner(key, config, logger), nil
}

func newSigner(key *rsa.PrivateKey, config Config, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	return &Signer{
		privateKey: key,
		publicKey:  &key.PublicKey,
		keyID:      deriveKeyID(&key.PublicKey),
		config:     config,
		logger:     logger,
	}
}

// deriveKeyID computes a stable key identifier from the public key material,
// so the kid survives process restarts with the same key.
func deriveKeyID(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// MarshalPKIXPublicKey cannot fail for a well-formed RSA key.
		panic(fmt.Sprintf("failed to marshal public key: %v", err))
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16]
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}

func writePrivateKeyPEM(keyFile string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to persist signing key: %w", err)
	}
	return nil
}

// KeyID returns the identifier published alongside the public key.
func (s *Signer) KeyID() string {
	return s.keyID
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *Signer) AccessTokenTTL() time.Duration {
	return s.config.AccessTokenTTL
}

// IssueAccessToken signs an access token for the given client. userID and
// nonce are optional and omitted from the claim set when empty. Every token
// carries a fresh jti.
func (s *Signer) IssueAccessToken(clientID, clientType, scope, userID, nonce string) (string, error) {
	now := time.Now()

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)),
			ID:        uuid.NewString(),
		},
		Scope:      scope,
		ClientType: clientType,
		UserID:     userID,
		Nonce:      nonce,
	}

	return s.sign(claims)
}

// IssueRefreshToken signs a refresh token carrying the originally granted
// scope set and user binding.
func (s *Signer) IssueRefreshToken(clientID, scope, userID string) (string, error) {
	now := time.Now()

	claims := &RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.RefreshTokenTTL)),
			ID:        uuid.NewString(),
		},
		Type:   TokenTypeRefresh,
		Scope:  scope,
		UserID: userID,
	}

	return s.sign(claims)
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken verifies signature, issuer, and expiry of an access
// token and returns its validated claims. Tokens carrying a refresh-token
// shape are rejected. Any failure is a verification failure; callers must
// deny.
func (s *Signer) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if err := claims.validateShape(); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefreshToken verifies a refresh token and additionally rejects
// tokens whose claim shape is not a refresh token (missing type or sub).
func (s *Signer) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.verify(tokenString, claims); err != nil {
		return nil, err
	}
	if err := claims.validateShape(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) verify(tokenString string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (any, error) {
			return s.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod),
	)
	if err != nil {
		return fmt.Errorf("token verification failed: %w", err)
	}
	return nil
}

// JWKS returns the JSON Web Key Set document publishing the verification
// key, so third parties can verify tokens without calling this service.
func (s *Signer) JWKS() map[string]any {
	pub := s.publicKey

	// Public exponent as big-endian bytes without leading zeros.
	eBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(eBytes, uint64(pub.E))
	i := 0
	for i < len(eBytes)-1 && eBytes[i] == 0 {
		i++
	}

	return map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": s.keyID,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(eBytes[i:]),
			},
		},
	}
}

// PublicKey exposes the verification key for in-process verifiers.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{N: new(big.Int).Set(s.publicKey.N), E: s.publicKey.E}
}
