package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"

	"p8fs-auth/pkg/response"
)

const WebhookSecretHeader = "X-SeaweedFS-Secret"

// SharedSecretMiddleware admits requests whose header carries secret. An
// empty secret rejects everything.
func SharedSecretMiddleware(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				log.Printf("[Webhook] Rejected request from %s: bad shared secret", ClientIP(r))
				response.Unauthorized(w, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
