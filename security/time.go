package security

import "time"

// DefaultClockSkewGracePeriod is the tolerance applied to bearer-token
// expiry checks so NTP drift between verifying parties does not produce
// false expirations. It is applied to signed tokens only; authorization
// codes use strict expiry because their single-use window is deliberately
// short.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks token expiry with the default clock skew grace.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiry time means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsCodeExpired checks authorization-code expiry with no grace period:
// a code presented after its TTL always fails.
func IsCodeExpired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && time.Now().After(expiresAt)
}
