package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dive-iam/authcore/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a freshly issued authorization code.
// The key TTL matches the code's expiry so Valkey reclaims it automatically.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// ValidateAndConsume atomically validates an authorization code against its
// bindings and marks it consumed. The check-and-mark runs as a Lua script so
// that exactly one concurrent exchange can win; all others receive
// ErrCodeConsumed. A binding mismatch leaves the code untouched.
func (s *Store) ValidateAndConsume(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaValidateAndConsumeCode).
			Numkeys(1).
			Key(key).
			Arg(fmt.Sprintf("%d", time.Now().Unix()), clientID, redirectURI).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	case "CONSUMED":
		s.logger.Warn("Authorization code replay detected",
			"code_prefix", safeTruncate(code, codeLogLength),
			"client_id", clientID)
		return nil, storage.ErrCodeConsumed
	case "MISMATCH":
		return nil, storage.ErrCodeMismatch
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Authorization code consumed",
		"code_prefix", safeTruncate(code, codeLogLength),
		"client_id", clientID)
	return fromAuthorizationCodeJSON(&j), nil
}

// SavePendingAuthorization stores the server-side half of an authorization
// round trip, keyed by its login state. The key TTL matches expiry.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.LoginState == "" {
		return fmt.Errorf("invalid pending authorization")
	}

	data, err := json.Marshal(toPendingAuthorizationJSON(pending))
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	ttl := calculateTTL(pending.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}

	key := s.pendingKey(pending.LoginState)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}

	s.logger.Debug("Saved pending authorization",
		"login_state_prefix", safeTruncate(pending.LoginState, codeLogLength),
		"client_id", pending.ClientID)
	return nil
}

// TakePendingAuthorization retrieves and removes a pending authorization.
// GETDEL makes the take one-shot even across server instances.
func (s *Store) TakePendingAuthorization(ctx context.Context, loginState string) (*storage.PendingAuthorization, error) {
	key := s.pendingKey(loginState)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to take pending authorization: %w", err)
	}

	var j pendingAuthorizationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	pending := fromPendingAuthorizationJSON(&j)

	// TTL should handle expiry, but double-check for safety
	if time.Now().After(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	return pending, nil
}
