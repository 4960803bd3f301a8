// Package server implements the authorization server's protocol logic:
// authorization request validation, the single-use code round trip, the
// three token grants, and introspection. It is transport-agnostic; the
// root package provides the HTTP surface on top of it.
package server
