package server

import "strings"

// splitScopes splits a space-delimited scope string, dropping empty
// segments.
func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Fields(scope) {
		scopes = append(scopes, s)
	}
	return scopes
}

// resolveScopes validates a requested scope string against the client's
// allowed set. An empty request defaults to the client's full set. A
// request containing a scope outside the allowed set returns ok=false.
func resolveScopes(requested string, allowed []string) ([]string, bool) {
	scopes := splitScopes(requested)
	if len(scopes) == 0 {
		return allowed, true
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := allowedSet[s]; !ok {
			return nil, false
		}
	}
	return scopes, true
}
