package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	flashauth "github.com/iam-dha/flashcard-auth"
)

type authResultContextKey struct{}

func AuthResultFromContext(ctx context.Context) (*flashauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*flashauth.AuthResult)
	return res, ok
}

// Guard returns middleware that rejects requests without a valid bearer
// access token and injects the validated [flashauth.AuthResult] into the
// request context.
func Guard(engine *flashauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientContext returns middleware that records the caller's IP and
// User-Agent in the request context so the engine can fingerprint the
// sessions it creates. Run it outside Guard and the auth handlers.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ip := clientIP(r); ip != "" {
			ctx = flashauth.WithClientIP(ctx, ip)
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			ctx = flashauth.WithUserAgent(ctx, ua)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
