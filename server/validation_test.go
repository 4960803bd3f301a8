package server

import (
	"strings"
	"testing"

	"github.com/dive-iam/authcore/internal/testutil"
)

func TestValidatePKCE(t *testing.T) {
	verifier := testutil.GenerateRandomString(64)
	challenge := testutil.S256Challenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"matching verifier", challenge, PKCEMethodS256, verifier, false},
		{"matching verifier without method", challenge, "", verifier, false},
		{"wrong verifier", challenge, PKCEMethodS256, testutil.GenerateRandomString(64), true},
		{"missing verifier", challenge, PKCEMethodS256, "", true},
		{"verifier too short", challenge, PKCEMethodS256, "short", true},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", 129), true},
		{"verifier with invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!@#", true},
		{"plain method rejected", verifier, PKCEMethodPlain, verifier, true},
		{"unknown method rejected", challenge, "S512", verifier, true},
		{"no challenge means no PKCE", "", "", "", false},
		{"no challenge ignores verifier", "", "", verifier, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateScopeCharset(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		wantErr bool
	}{
		{"single scope", "resource:read", false},
		{"multiple scopes", "resource:read resource:write admin_ops", false},
		{"empty scope", "", false},
		{"uppercase and digits", "Resource:READ2", false},
		{"hyphen rejected", "resource-read", true},
		{"slash rejected", "resource/read", true},
		{"wildcard rejected", "resource:*", true},
		{"one bad token poisons the set", "resource:read bad$scope", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScopeCharset(tt.scope)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateScopeCharset(%q) error = %v, wantErr %v", tt.scope, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRedirectURIScheme(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"https", "https://app.example.com/callback", false},
		{"http localhost", "http://localhost:8080/callback", false},
		{"http loopback", "http://127.0.0.1:8080/callback", false},
		{"http non-localhost", "http://app.example.com/callback", true},
		{"custom scheme", "myapp://callback", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURIScheme(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRedirectURIScheme(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestIntersectScopes(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		allowed   []string
		want      []string
	}{
		{
			name:      "partial overlap",
			requested: []string{"resource:read", "resource:write"},
			allowed:   []string{"resource:read"},
			want:      []string{"resource:read"},
		},
		{
			name:      "full overlap preserves request order",
			requested: []string{"resource:write", "resource:read"},
			allowed:   []string{"resource:read", "resource:write"},
			want:      []string{"resource:write", "resource:read"},
		},
		{
			name:      "no overlap",
			requested: []string{"admin:all"},
			allowed:   []string{"resource:read"},
			want:      nil,
		},
		{
			name:      "duplicates dropped",
			requested: []string{"resource:read", "resource:read"},
			allowed:   []string{"resource:read"},
			want:      []string{"resource:read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := intersectScopes(tt.requested, tt.allowed)
			if len(got) != len(tt.want) {
				t.Fatalf("intersectScopes() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("intersectScopes()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
