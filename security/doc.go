// Package security provides the cross-cutting protections the authorization
// server relies on: per-identifier rate limiting, security audit logging
// with PII hashing, request correlation IDs, client IP extraction behind
// trusted proxies, response security headers, and clock-skew-tolerant
// expiry checks.
package security
