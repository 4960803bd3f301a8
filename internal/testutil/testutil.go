// Package testutil provides shared test helpers.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// GenerateRandomString returns a random base64url string of the requested
// length, suitable for test state parameters and PKCE verifiers.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	s := base64.RawURLEncoding.EncodeToString(b)
	return s[:length]
}

// S256Challenge computes base64url(SHA256(verifier)), the PKCE S256
// transformation, for use in tests.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
