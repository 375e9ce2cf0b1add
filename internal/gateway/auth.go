package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/shotreport/internal/audit"
)

// RequireToken guards requests that change the report with a shared token.
// Safe methods stay open so viewers connect without credentials. An empty
// token disables the check.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := requestToken(r)
			switch {
			case !ok:
				audit.Record("gateway.auth", audit.Reject, "missing token", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "missing API key")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				audit.Record("gateway.auth", audit.Reject, "token mismatch", r.URL.Path)
				writeError(w, http.StatusForbidden, "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// requestToken reads "Authorization: Bearer <token>" or X-API-Key.
func requestToken(r *http.Request) (string, bool) {
	if scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		value = strings.TrimSpace(value)
		return value, value != ""
	}
	value := strings.TrimSpace(r.Header.Get("X-API-Key"))
	return value, value != ""
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
