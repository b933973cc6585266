package middleware

import (
	"context"
	"net/http"
	"strings"

	"p8fs-auth/internal/domain"
	"p8fs-auth/pkg/response"
)

type contextKey string

const CallerKey contextKey = "caller"

// Authenticator resolves a bearer access token to its caller.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*domain.Caller, error)
}

func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				response.Unauthorized(w, "Missing or malformed authorization header")
				return
			}

			caller, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			recordSubject(r, caller.DeviceID)
			ctx := context.WithValue(r.Context(), CallerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthMiddleware authenticates when an Authorization header is sent
// and passes anonymous requests through untouched.
func OptionalAuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	required := AuthMiddleware(auth)
	return func(next http.Handler) http.Handler {
		withAuth := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			withAuth.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func GetCaller(r *http.Request) *domain.Caller {
	caller, ok := r.Context().Value(CallerKey).(*domain.Caller)
	if !ok {
		return nil
	}
	return caller
}

func GetDeviceID(r *http.Request) string {
	if caller := GetCaller(r); caller != nil {
		return caller.DeviceID
	}
	return ""
}
