package session

import (
	"fmt"
	"net/http"

	"github.com/gatherkit/oauth/storage"
)

// DefaultCookieName is the session cookie consulted when none is
// configured.
const DefaultCookieName = "session"

// CookieSessions resolves the authenticated user from a session cookie.
// It satisfies the authorization server's session reader contract.
type CookieSessions struct {
	adapter    *Adapter
	cookieName string
}

// NewCookieSessions creates a cookie-backed session reader. An empty
// cookieName selects DefaultCookieName.
func NewCookieSessions(adapter *Adapter, cookieName string) *CookieSessions {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &CookieSessions{adapter: adapter, cookieName: cookieName}
}

// UserFromRequest returns the user owning the request's session cookie.
// A missing cookie, unknown token, or expired session all report
// storage.ErrNotFound.
func (c *CookieSessions) UserFromRequest(r *http.Request) (*storage.User, error) {
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, fmt.Errorf("%w: session cookie", storage.ErrNotFound)
	}

	_, user, err := c.adapter.GetSessionWithUser(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}
	return user, nil
}
