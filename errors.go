package authcore

import "github.com/dive-iam/authcore/server"

// Error is the OAuth 2.0 error type shared with the server package. The
// HTTP layer re-exports it so callers embedding the handler do not need a
// second import for error inspection.
type Error = server.Error

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTooManyRequests         = server.ErrorCodeTooManyRequests
)
