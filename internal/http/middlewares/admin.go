package middlewares

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/http/errors"
)

// RequireAdminToken protege los endpoints de operador (deliveries) con un
// bearer token estático. token vacío deja pasar todo (solo dev; Validate lo
// exige en prod).
func RequireAdminToken(token string) Middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				errors.WriteError(w, errors.ErrUnauthorized.WithDetail("admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
