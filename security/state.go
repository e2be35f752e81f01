package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// ErrInvalidState is returned for every state decoding failure. Malformed
// base64, invalid JSON, and unexpected payload shapes are deliberately
// indistinguishable to the caller.
var ErrInvalidState = errors.New("invalid state parameter")

// FlowState is the payload carried through the authorization flow's state
// parameter. It round-trips through the client's login redirect, so it is
// encoded compactly and must never contain secrets beyond the CSRF token.
type FlowState struct {
	CSRFToken string `json:"csrfToken"`
	ClientID  string `json:"clientId,omitempty"`
	ReturnTo  string `json:"returnTo,omitempty"`

	// Timestamp is milliseconds since the Unix epoch at encode time.
	Timestamp int64 `json:"timestamp"`
}

// EncodeState serializes any JSON-encodable value into a URL-safe opaque
// string (JSON then base64url without padding).
func EncodeState(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState reverses EncodeState into the given destination. All decode
// failures are reported as ErrInvalidState so the error message cannot be
// used to probe the expected payload structure.
func DecodeState(state string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return ErrInvalidState
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return ErrInvalidState
	}
	return nil
}

// DecodeFlowState decodes a state parameter produced for the authorization
// flow. A payload missing its CSRF token is rejected.
func DecodeFlowState(state string) (*FlowState, error) {
	var fs FlowState
	if err := DecodeState(state, &fs); err != nil {
		return nil, err
	}
	if fs.CSRFToken == "" {
		return nil, ErrInvalidState
	}
	return &fs, nil
}
