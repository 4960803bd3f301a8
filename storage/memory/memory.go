package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/dive-iam/authcore/instrumentation"
	"github.com/dive-iam/authcore/internal/util"
	"github.com/dive-iam/authcore/security"
	"github.com/dive-iam/authcore/storage"
)

// DefaultCleanupInterval is how often expired codes and pending
// authorizations are swept from memory.
const DefaultCleanupInterval = 1 * time.Minute

// Store is an in-memory implementation of storage.ClientStore and
// storage.CodeStore. All operations are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode
	pending map[string]*storage.PendingAuthorization

	logger *slog.Logger

	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval
func New() *Store {
	return NewWithCleanupInterval(DefaultCleanupInterval)
}

// NewWithCleanupInterval creates an in-memory store that sweeps expired
// entries every interval. A non-positive interval disables the sweeper.
func NewWithCleanupInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		pending:         make(map[string]*storage.PendingAuthorization),
		logger:          slog.Default(),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets the logger used for debug output
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store.
// Must be called before the store serves traffic.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.inst = inst
	s.tracer = inst.Tracer("storage")
	s.metrics = inst.Metrics()

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.clients)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.codes)) },
		func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.pending)) },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop terminates the background cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// startStorageSpan begins a span for a storage operation when tracing is enabled
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		),
	)
}

// recordStorageOperation records metrics and closes the span for an operation
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	if span != nil {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}

	if s.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrStorageOperation, operation),
		attribute.String(instrumentation.AttrStorageResult, result),
		attribute.String(instrumentation.AttrStorageType, "memory"),
	)
	s.metrics.StorageOperationTotal.Add(ctx, 1, attrs)
	s.metrics.StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// GetClient returns the client registered under clientID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_client")

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
		s.recordStorageOperation(ctx, span, "get_client", start, err)
		return nil, err
	}

	clientCopy := *client
	s.recordStorageOperation(ctx, span, "get_client", start, nil)
	return &clientCopy, nil
}

// ValidateClientSecret verifies secret against the stored bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	var err error
	switch {
	case !ok:
		err = fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
	case client.ClientSecretHash == "":
		err = fmt.Errorf("client %q has no secret: %w", clientID, storage.ErrClientSecretMismatch)
	case bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil:
		err = storage.ErrClientSecretMismatch
	}

	s.recordStorageOperation(ctx, span, "validate_client_secret", start, err)
	return err
}

// UpdateLastActivity stamps the client's last activity time
func (s *Store) UpdateLastActivity(ctx context.Context, clientID string, at time.Time) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "update_last_activity")

	s.mu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		client.LastActivityAt = at
	}
	s.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("client %q: %w", clientID, storage.ErrClientNotFound)
	}
	s.recordStorageOperation(ctx, span, "update_last_activity", start, err)
	return err
}

// SaveClient stores or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_client")

	clientCopy := *client
	s.mu.Lock()
	s.clients[client.ClientID] = &clientCopy
	s.mu.Unlock()

	s.logger.Debug("Client saved", "client_id", client.ClientID, "type", client.ClientType)
	s.recordStorageOperation(ctx, span, "save_client", start, nil)
	return nil
}

// SaveAuthorizationCode stores a freshly issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")

	codeCopy := *code
	s.mu.Lock()
	s.codes[code.Code] = &codeCopy
	s.mu.Unlock()

	s.logger.Debug("Authorization code saved",
		"code_prefix", util.SafeTruncate(code.Code, 8),
		"client_id", code.ClientID,
		"expires_at", code.ExpiresAt)
	s.recordStorageOperation(ctx, span, "save_authorization_code", start, nil)
	return nil
}

// ValidateAndConsume atomically validates an authorization code against its
// bindings and marks it consumed. Exactly one concurrent caller can win; all
// others receive ErrCodeConsumed. A binding mismatch does not consume the
// code, and an expired code is removed on sight.
func (s *Store) ValidateAndConsume(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "validate_and_consume")

	s.mu.Lock()
	record, ok := s.codes[code]
	if !ok {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "validate_and_consume", start, storage.ErrCodeNotFound)
		return nil, storage.ErrCodeNotFound
	}
	if security.IsCodeExpired(record.ExpiresAt) {
		delete(s.codes, code)
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "validate_and_consume", start, storage.ErrCodeExpired)
		return nil, storage.ErrCodeExpired
	}
	if record.Consumed {
		s.mu.Unlock()
		s.logger.Warn("Authorization code replay detected",
			"code_prefix", util.SafeTruncate(code, 8),
			"client_id", clientID)
		s.recordStorageOperation(ctx, span, "validate_and_consume", start, storage.ErrCodeConsumed)
		return nil, storage.ErrCodeConsumed
	}
	if record.ClientID != clientID || record.RedirectURI != redirectURI {
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "validate_and_consume", start, storage.ErrCodeMismatch)
		return nil, storage.ErrCodeMismatch
	}

	record.Consumed = true
	recordCopy := *record
	s.mu.Unlock()

	s.logger.Debug("Authorization code consumed",
		"code_prefix", util.SafeTruncate(code, 8),
		"client_id", clientID)
	s.recordStorageOperation(ctx, span, "validate_and_consume", start, nil)
	return &recordCopy, nil
}

// SavePendingAuthorization stores the server-side half of an authorization
// round trip, keyed by its login state
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_pending_authorization")

	pendingCopy := *pending
	s.mu.Lock()
	s.pending[pending.LoginState] = &pendingCopy
	s.mu.Unlock()

	s.logger.Debug("Pending authorization saved",
		"login_state_prefix", util.SafeTruncate(pending.LoginState, 8),
		"client_id", pending.ClientID)
	s.recordStorageOperation(ctx, span, "save_pending_authorization", start, nil)
	return nil
}

// TakePendingAuthorization retrieves and removes a pending authorization.
// Each login state can be taken exactly once.
func (s *Store) TakePendingAuthorization(ctx context.Context, loginState string) (*storage.PendingAuthorization, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "take_pending_authorization")

	s.mu.Lock()
	pending, ok := s.pending[loginState]
	if ok {
		delete(s.pending, loginState)
	}
	s.mu.Unlock()

	if !ok {
		s.recordStorageOperation(ctx, span, "take_pending_authorization", start, storage.ErrPendingAuthorizationNotFound)
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	if time.Now().After(pending.ExpiresAt) {
		s.recordStorageOperation(ctx, span, "take_pending_authorization", start, storage.ErrPendingAuthorizationNotFound)
		return nil, storage.ErrPendingAuthorizationNotFound
	}

	pendingCopy := *pending
	s.recordStorageOperation(ctx, span, "take_pending_authorization", start, nil)
	return &pendingCopy, nil
}

// cleanupLoop periodically removes expired codes and pending authorizations
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()
	removedCodes := 0
	removedPending := 0

	s.mu.Lock()
	for code, record := range s.codes {
		// Consumed codes linger until expiry so replays are still detectable
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			removedCodes++
		}
	}
	for state, pending := range s.pending {
		if now.After(pending.ExpiresAt) {
			delete(s.pending, state)
			removedPending++
		}
	}
	s.mu.Unlock()

	if removedCodes > 0 || removedPending > 0 {
		s.logger.Debug("Expired entries cleaned up",
			"codes", removedCodes,
			"pending", removedPending)
	}
}
