package identity

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the credential token from the "token" query
// parameter, falling back to an "Authorization: Bearer" header. Browsers
// cannot set headers on a WebSocket handshake, so the query form comes first.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
