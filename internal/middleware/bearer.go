package middleware

import (
	"net/http"
	"strings"
)

// BearerToken extracts the opaque bearer token from the Authorization
// header. The actor owns the comparison against the job's bound token; this
// helper only parses the header shape. Returns "" when absent or malformed.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
