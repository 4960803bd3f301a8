package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor emits security audit events through structured logging. User
// identifiers are hashed before logging so audit trails never carry raw PII;
// client IDs and IPs are operational identifiers and are logged as-is.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. A nil logger falls back to
// slog.Default; enabled=false turns every Log* call into a no-op.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// Audit event types.
const (
	EventTokenIssued         = "token_issued"
	EventTokenRefreshed      = "token_refreshed"
	EventAuthFailure         = "auth_failure"
	EventGrantFailure        = "grant_failure"
	EventCodeIssued          = "authorization_code_issued"
	EventCodeReplay          = "authorization_code_replay"
	EventRateLimitExceeded   = "rate_limit_exceeded"
	EventIntrospection       = "token_introspected"
	EventAuthorizationDenied = "authorization_request_denied"
)

// LogEvent logs a security event with hashed user identity.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued records a successful token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogCodeIssued records issuance of an authorization code.
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogCodeReplay records an attempted reuse of a consumed authorization code.
// This is the signal a stolen code was exchanged twice.
func (a *Auditor) LogCodeReplay(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReplay,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"severity": "critical",
		},
	})
}

// LogAuthFailure records an authentication failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogGrantFailure records a failed grant attempt (expired code, PKCE
// mismatch, bad refresh token).
func (a *Auditor) LogGrantFailure(clientID, ipAddress, grantType, reason string) {
	a.LogEvent(Event{
		Type:      EventGrantFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"reason":     reason,
		},
	})
}

// LogRateLimitExceeded records a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogIntrospection records a token introspection call and its outcome.
func (a *Auditor) LogIntrospection(clientID, ipAddress string, active bool) {
	a.LogEvent(Event{
		Type:      EventIntrospection,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"active": active,
		},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data so audit
// entries are correlatable without exposing the identity itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
