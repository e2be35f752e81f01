package oauth

import (
	"net/http"

	"github.com/gatherkit/oauth/storage"
)

// SessionReader resolves the authenticated user from an incoming request.
// Implementations return storage.ErrNotFound (wrapped or not) when no
// valid session is present; the flow then detours to the login surface.
type SessionReader interface {
	UserFromRequest(r *http.Request) (*storage.User, error)
}

// TokenResponse is the JSON body returned by the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the JSON body returned on OAuth errors
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// VerifyEmailRequest is the JSON body accepted by the verify-email
// endpoint
type VerifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// VerifyEmailResponse reports the outcome of a verification attempt.
// CanSignIn tells the caller whether an account already exists for the
// verified address.
type VerifyEmailResponse struct {
	Success   bool `json:"success"`
	CanSignIn bool `json:"canSignIn"`
}
