// Package storage defines the lifecycle contracts for the data the
// authorization server depends on: registered clients, pending authorization
// requests, and one-time authorization codes. It deliberately does not
// mandate a storage engine; in-memory and Valkey implementations are
// provided, and any backend satisfying these contracts can be substituted.
package storage

import (
	"context"
	"time"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ClientStatusActive is the only status allowed to obtain tokens.
// Any other value (suspended, retired, pending review) is treated as inactive.
const ClientStatusActive = "ACTIVE"

// Client is a registered service provider as resolved from the client
// registry. It is read-only from the token-issuance core's perspective,
// except for the activity timestamp.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	RedirectURIs     []string
	AllowedScopes    []string
	RequirePKCE      bool
	Status           string
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// IsActive reports whether the client may obtain tokens.
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive
}

// AuthorizationCode is one pending code exchange. A code transitions
// pending -> consumed exactly once; the Consumed flag (or physical deletion)
// marks the terminal state.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// PendingAuthorization is an authorization request parked server-side while
// the caller completes interactive login with the external identity
// provider. It is keyed by LoginState, an opaque random token sent to the
// login collaborator, and is one-time use like an authorization code.
type PendingAuthorization struct {
	LoginState          string // opaque token bound to the login round-trip
	ClientID            string
	RedirectURI         string
	Scope               string
	ClientState         string // the client's original state parameter, replayed on redirect
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// ClientStore is the client-registry contract consumed by the authorization
// and token endpoints. Implementations must never return secret material in
// clear text; only bcrypt hashes are stored.
type ClientStore interface {
	// GetClient resolves a client by ID. Returns ErrClientNotFound for
	// unknown IDs; implementations must not distinguish "unknown" from
	// "deleted" to prevent client enumeration.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a presented secret against the stored
	// bcrypt hash. Returns ErrClientSecretMismatch on failure.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// UpdateLastActivity records that the client successfully obtained a
	// token at the given time. Best effort: failures are logged by callers,
	// never surfaced.
	UpdateLastActivity(ctx context.Context, clientID string, at time.Time) error

	// SaveClient registers or replaces a client. Used by provisioning and
	// by tests; the issuance core itself only reads.
	SaveClient(ctx context.Context, client *Client) error
}

// CodeStore is the authorization-code lifecycle contract. This is the
// component most exposed to concurrency hazards: ValidateAndConsume must be
// atomic per code so that of any number of racing exchanges for the same
// code, exactly one succeeds. Implementations enforce this with storage
// discipline (per-store locking, atomic compare-and-delete, or a server-side
// script), never with best-effort read-then-write.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly generated code record.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ValidateAndConsume atomically consumes a pending code. Exactly one
	// concurrent caller for the same code value succeeds; all others fail.
	// Fails with ErrCodeNotFound (unknown), ErrCodeConsumed (reuse),
	// ErrCodeExpired (TTL elapsed), or ErrCodeMismatch (bound to a different
	// client or redirect URI). A binding mismatch does not consume the code.
	ValidateAndConsume(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error)

	// SavePendingAuthorization parks a validated authorization request
	// while the caller completes interactive login.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// TakePendingAuthorization retrieves and deletes a pending request by
	// its login state token. One-time use: a second call for the same token
	// fails with ErrPendingAuthorizationNotFound.
	TakePendingAuthorization(ctx context.Context, loginState string) (*PendingAuthorization, error)
}
