package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCEMethodS256 is the only code challenge method this server accepts.
// The "plain" method offers no protection against code interception and
// is rejected outright.
const PKCEMethodS256 = "S256"

// VerifyCodeChallenge checks a PKCE code_verifier against the stored
// code_challenge. Fails closed: an empty verifier, an empty challenge, or
// any method other than S256 returns false.
//
// The comparison is constant time so the result does not leak how many
// leading characters of the derived challenge matched.
func VerifyCodeChallenge(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	if method != PKCEMethodS256 {
		return false
	}

	hash := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(hash[:])

	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
