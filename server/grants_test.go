package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dive-iam/authcore/internal/testutil"
	"github.com/dive-iam/authcore/storage"
	"github.com/dive-iam/authcore/storage/memory"
)

// saveCode stores an authorization code directly, bypassing the interactive
// flow, so grant tests can exercise the exchange in isolation
func saveCode(t *testing.T, store *memory.Store, clientID, codeChallenge string) string {
	t.Helper()

	code := testutil.GenerateRandomString(43)
	record := &storage.AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		UserID:      "user-42",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "resource:read",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if codeChallenge != "" {
		record.CodeChallenge = codeChallenge
		record.CodeChallengeMethod = PKCEMethodS256
	}
	if err := store.SaveAuthorizationCode(context.Background(), record); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	return code
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	public := registerTestClient(t, store, "pub-1", storage.ClientTypePublic, "", []string{"resource:read"}, true)
	confidential := registerTestClient(t, store, "conf-1", storage.ClientTypeConfidential, "s3cret", []string{"resource:read"}, false)

	verifier := testutil.GenerateRandomString(64)
	challenge := testutil.S256Challenge(verifier)

	t.Run("public client never receives a refresh token", func(t *testing.T) {
		code := saveCode(t, store, "pub-1", challenge)

		grant, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", verifier, "203.0.113.7")
		if oauthErr != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", oauthErr)
		}
		if grant.AccessToken == "" {
			t.Error("access token is empty")
		}
		if grant.RefreshToken != "" {
			t.Error("public client received a refresh token")
		}
		if grant.Scope != "resource:read" {
			t.Errorf("scope = %q, want resource:read", grant.Scope)
		}
	})

	t.Run("confidential client always receives a refresh token", func(t *testing.T) {
		code := saveCode(t, store, "conf-1", "")

		grant, oauthErr := srv.ExchangeAuthorizationCode(ctx, confidential, code, "https://app.example.com/callback", "", "203.0.113.7")
		if oauthErr != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", oauthErr)
		}
		if grant.RefreshToken == "" {
			t.Error("confidential client did not receive a refresh token")
		}
	})

	t.Run("wrong verifier fails invalid_grant", func(t *testing.T) {
		code := saveCode(t, store, "pub-1", challenge)

		_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", testutil.GenerateRandomString(64), "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("missing verifier fails invalid_grant", func(t *testing.T) {
		code := saveCode(t, store, "pub-1", challenge)

		_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", "", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("replay fails invalid_grant", func(t *testing.T) {
		code := saveCode(t, store, "pub-1", challenge)

		if _, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", verifier, "203.0.113.7"); oauthErr != nil {
			t.Fatalf("first exchange error = %v", oauthErr)
		}
		_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", verifier, "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("replay error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("expired code fails invalid_grant", func(t *testing.T) {
		record := &storage.AuthorizationCode{
			Code:        "expired-code-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			ClientID:    "pub-1",
			RedirectURI: "https://app.example.com/callback",
			Scope:       "resource:read",
			CreatedAt:   time.Now().Add(-2 * time.Minute),
			ExpiresAt:   time.Now().Add(-time.Second),
		}
		if err := store.SaveAuthorizationCode(ctx, record); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
		_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, record.Code, "https://app.example.com/callback", "", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("redirect mismatch fails invalid_grant", func(t *testing.T) {
		code := saveCode(t, store, "pub-1", "")

		_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://evil.example.com/callback", "", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})
}

func TestExchangeAuthorizationCodeConcurrentSingleUse(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	public := registerTestClient(t, store, "pub-1", storage.ClientTypePublic, "", []string{"resource:read"}, false)

	code := saveCode(t, store, "pub-1", "")

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan *Error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, oauthErr := srv.ExchangeAuthorizationCode(ctx, public, code, "https://app.example.com/callback", "", "203.0.113.7")
			results <- oauthErr
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for oauthErr := range results {
		if oauthErr == nil {
			successes++
		} else if oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("unexpected error code %q", oauthErr.Code)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()

	// Concrete scenario: sp-1 may only hold resource:read
	sp1 := registerTestClient(t, store, "sp-1", storage.ClientTypeConfidential, "s3cret", []string{"resource:read"}, false)

	t.Run("public client is rejected", func(t *testing.T) {
		pub := registerTestClient(t, store, "pub-1", storage.ClientTypePublic, "", []string{"resource:read"}, true)
		grant, oauthErr := srv.ClientCredentialsGrant(ctx, pub, "resource:read", "203.0.113.7")
		if grant != nil {
			t.Fatal("public client obtained a client_credentials token")
		}
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
			t.Errorf("error = %v, want invalid_client", oauthErr)
		}
	})

	t.Run("scope intersection never grants unauthorized scopes", func(t *testing.T) {
		grant, oauthErr := srv.ClientCredentialsGrant(ctx, sp1, "resource:read resource:write", "203.0.113.7")
		if oauthErr != nil {
			t.Fatalf("ClientCredentialsGrant() error = %v", oauthErr)
		}
		if grant.Scope != "resource:read" {
			t.Errorf("scope = %q, want resource:read only", grant.Scope)
		}
		if grant.RefreshToken != "" {
			t.Error("client_credentials grant must not issue a refresh token")
		}
	})

	t.Run("default scope applies when none requested", func(t *testing.T) {
		grant, oauthErr := srv.ClientCredentialsGrant(ctx, sp1, "", "203.0.113.7")
		if oauthErr != nil {
			t.Fatalf("ClientCredentialsGrant() error = %v", oauthErr)
		}
		if grant.Scope != "resource:read" {
			t.Errorf("scope = %q, want default resource:read", grant.Scope)
		}
	})

	t.Run("empty intersection fails invalid_scope", func(t *testing.T) {
		_, oauthErr := srv.ClientCredentialsGrant(ctx, sp1, "admin:all", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidScope {
			t.Errorf("error = %v, want invalid_scope", oauthErr)
		}
	})

	t.Run("invalid scope charset fails invalid_scope", func(t *testing.T) {
		_, oauthErr := srv.ClientCredentialsGrant(ctx, sp1, "resource:read bad$scope", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidScope {
			t.Errorf("error = %v, want invalid_scope", oauthErr)
		}
	})

	t.Run("records client activity", func(t *testing.T) {
		before, err := store.GetClient(ctx, "sp-1")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if _, oauthErr := srv.ClientCredentialsGrant(ctx, sp1, "", "203.0.113.7"); oauthErr != nil {
			t.Fatalf("ClientCredentialsGrant() error = %v", oauthErr)
		}
		after, err := store.GetClient(ctx, "sp-1")
		if err != nil {
			t.Fatalf("GetClient() error = %v", err)
		}
		if after.LastActivityAt.IsZero() || after.LastActivityAt.Before(before.LastActivityAt) {
			t.Error("LastActivityAt was not updated")
		}
	})
}

func TestRefreshTokenGrant(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	sig := sharedTestSigner(t)

	client := registerTestClient(t, store, "conf-1", storage.ClientTypeConfidential, "s3cret", []string{"resource:read"}, false)
	other := registerTestClient(t, store, "conf-2", storage.ClientTypeConfidential, "s3cret", []string{"resource:read"}, false)

	refreshToken, err := sig.IssueRefreshToken("conf-1", "resource:read resource:write", "user-42")
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	t.Run("valid refresh issues a new access token with original scope", func(t *testing.T) {
		grant, oauthErr := srv.RefreshTokenGrant(ctx, client, refreshToken, "203.0.113.7")
		if oauthErr != nil {
			t.Fatalf("RefreshTokenGrant() error = %v", oauthErr)
		}
		if grant.AccessToken == "" {
			t.Error("access token is empty")
		}
		if grant.Scope != "resource:read resource:write" {
			t.Errorf("scope = %q, want original scope set", grant.Scope)
		}

		claims, err := sig.VerifyAccessToken(grant.AccessToken)
		if err != nil {
			t.Fatalf("VerifyAccessToken() error = %v", err)
		}
		if claims.UserID != "user-42" {
			t.Errorf("user_id = %q, want user-42", claims.UserID)
		}
	})

	t.Run("refresh token is not rotated", func(t *testing.T) {
		if _, oauthErr := srv.RefreshTokenGrant(ctx, client, refreshToken, "203.0.113.7"); oauthErr != nil {
			t.Errorf("second use of the same refresh token error = %v, want success", oauthErr)
		}
	})

	t.Run("access token presented as refresh fails invalid_grant", func(t *testing.T) {
		accessToken, err := sig.IssueAccessToken("conf-1", storage.ClientTypeConfidential, "resource:read", "user-42", "")
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		_, oauthErr := srv.RefreshTokenGrant(ctx, client, accessToken, "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("subject mismatch fails invalid_grant", func(t *testing.T) {
		_, oauthErr := srv.RefreshTokenGrant(ctx, other, refreshToken, "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})

	t.Run("garbage token fails invalid_grant", func(t *testing.T) {
		_, oauthErr := srv.RefreshTokenGrant(ctx, client, "not-a-token", "203.0.113.7")
		if oauthErr == nil || oauthErr.Code != ErrorCodeInvalidGrant {
			t.Errorf("error = %v, want invalid_grant", oauthErr)
		}
	})
}

func TestIntrospect(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()
	sig := sharedTestSigner(t)

	t.Run("active access token", func(t *testing.T) {
		token, err := sig.IssueAccessToken("conf-1", storage.ClientTypeConfidential, "resource:read", "user-42", "")
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}

		result := srv.Introspect(ctx, token)
		if !result.Active {
			t.Fatal("Active = false, want true")
		}
		if result.Scope != "resource:read" || result.ClientID != "conf-1" || result.UserID != "user-42" {
			t.Errorf("result = %+v, want issued claims", result)
		}
		if result.TokenType != "Bearer" {
			t.Errorf("TokenType = %q, want Bearer", result.TokenType)
		}
		if result.ExpiresAt == 0 || result.IssuedAt == 0 {
			t.Error("expiry and issuance timestamps must be reported")
		}
	})

	t.Run("refresh token reports its type", func(t *testing.T) {
		token, err := sig.IssueRefreshToken("conf-1", "resource:read", "user-42")
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}

		result := srv.Introspect(ctx, token)
		if !result.Active {
			t.Fatal("Active = false, want true")
		}
		if result.TokenType != "refresh" {
			t.Errorf("TokenType = %q, want refresh", result.TokenType)
		}
	})

	t.Run("garbage token is inactive, not an error", func(t *testing.T) {
		result := srv.Introspect(ctx, "garbage")
		if result.Active {
			t.Error("Active = true, want false")
		}
		if result.Scope != "" || result.ClientID != "" {
			t.Error("inactive result must carry no claims")
		}
	})

	t.Run("tampered token is inactive", func(t *testing.T) {
		token, err := sig.IssueAccessToken("conf-1", storage.ClientTypeConfidential, "resource:read", "", "")
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		tampered := token[:len(token)-4] + "AAAA"
		if result := srv.Introspect(ctx, tampered); result.Active {
			t.Error("Active = true for tampered token, want false")
		}
	})

	t.Run("empty token is inactive", func(t *testing.T) {
		if result := srv.Introspect(ctx, ""); result.Active {
			t.Error("Active = true, want false")
		}
	})
}
