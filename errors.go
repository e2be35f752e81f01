package oauth

import "github.com/gatherkit/oauth/server"

// Error is the OAuth 2.0 error type shared with the server package.
type Error = server.Error

// OAuth error codes, re-exported for callers that only import the root
// package.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)
