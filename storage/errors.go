package storage

import "errors"

// Sentinel errors returned by store implementations. The token endpoint maps
// all of them to a generic invalid_grant / invalid_client response; the
// distinction exists for internal logging and tests only.
var (
	// ErrClientNotFound is returned for unknown client IDs. Kept generic to
	// prevent client enumeration.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientSecretMismatch is returned when a presented secret does not
	// match the stored hash.
	ErrClientSecretMismatch = errors.New("client secret mismatch")

	// ErrCodeNotFound is returned for unknown authorization codes.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeConsumed is returned when a code has already been exchanged.
	// Seeing this error means a replay was attempted and lost the race.
	ErrCodeConsumed = errors.New("authorization code already consumed")

	// ErrCodeExpired is returned when a code's TTL has elapsed.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeMismatch is returned when a code is bound to a different client
	// or redirect URI than the one presented.
	ErrCodeMismatch = errors.New("authorization code binding mismatch")

	// ErrPendingAuthorizationNotFound is returned when a login state token
	// does not resolve to a parked authorization request (unknown, expired,
	// or already taken).
	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")
)
