package auth

import (
	"context"
	"net/http"
)

type contextKey string

const emailKey contextKey = "email"

// WithEmail adds the resolved uploader email to the context.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, email)
}

// EmailFromContext returns the uploader email, "" when unresolved.
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailKey).(string)
	return email
}

// IdentityMiddleware resolves the bearer email hint and stores it in the
// request context. Requests are never rejected here.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := EmailFromAuthorization(r.Header.Get("Authorization"))
		if email == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithEmail(r.Context(), email)))
	})
}
