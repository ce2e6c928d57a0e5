package apikey

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

func subtleCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware requires a valid name:key HTTP basic-auth pair on every request.
// All failures produce the same 401 so probes cannot distinguish unknown
// names from wrong keys. A nil store disables authentication.
func Middleware(store *Store, next http.Handler) http.Handler {
	if store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, secret, ok := r.BasicAuth()
		if !ok || store.Authenticate(name, secret) != nil {
			slog.Warn("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="gbp"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
