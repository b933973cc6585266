package handler

import (
	"net/http"

	"p8fs-auth/internal/middleware"

	"github.com/gorilla/mux"
)

type Handlers struct {
	Auth        *AuthHandler
	OAuth       *OAuthHandler
	Credentials *CredentialHandler
	Devices     *DeviceHandler
	Webhook     *WebhookHandler
	WebSocket   *WebSocketHandler
}

type RouterOptions struct {
	Authenticator middleware.Authenticator
	WebhookSecret string
	// RateLimiter guards the unauthenticated endpoints; nil disables it.
	RateLimiter *middleware.RateLimiter
	CORS        CORSOptions
}

type CORSOptions struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

func NewRouter(h Handlers, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	if opts.CORS.AllowedOrigins != "" {
		r.Use(middleware.CORSMiddleware(
			opts.CORS.AllowedOrigins,
			opts.CORS.AllowedMethods,
			opts.CORS.AllowedHeaders,
		))
	}

	limited := func(next http.HandlerFunc) http.Handler {
		if opts.RateLimiter == nil {
			return next
		}
		return middleware.RateLimitMiddleware(opts.RateLimiter)(next)
	}
	requireAuth := middleware.AuthMiddleware(opts.Authenticator)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/auth/register", limited(h.Auth.Register)).Methods("POST", "OPTIONS")
	api.Handle("/auth/verify", limited(h.Auth.Verify)).Methods("POST", "OPTIONS")
	api.Handle("/auth/refresh", limited(h.Auth.Refresh)).Methods("POST", "OPTIONS")
	api.Handle("/auth/dev/register", limited(h.Auth.DevRegister)).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(requireAuth)

	protected.HandleFunc("/auth/email/add", h.Auth.AddEmail).Methods("POST", "OPTIONS")
	protected.HandleFunc("/auth/email/verify", h.Auth.VerifyEmail).Methods("POST", "OPTIONS")
	protected.HandleFunc("/auth/keys/rotate", h.Auth.RotateKey).Methods("POST", "OPTIONS")

	protected.HandleFunc("/devices", h.Devices.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/devices/{id}", h.Devices.Revoke).Methods("DELETE", "OPTIONS")

	protected.HandleFunc("/credentials/s3", h.Credentials.GetS3).Methods("GET", "OPTIONS")
	protected.HandleFunc("/credentials/sessions/{id}", h.Credentials.DeleteSession).Methods("DELETE", "OPTIONS")

	oauth := r.PathPrefix("/oauth").Subrouter()
	oauth.Handle("/device/code", limited(h.OAuth.DeviceCode)).Methods("POST", "OPTIONS")
	oauth.Handle("/token", limited(h.OAuth.Token)).Methods("POST", "OPTIONS")
	oauth.Handle("/device", requireAuth(http.HandlerFunc(h.OAuth.SessionDetails))).Methods("GET", "OPTIONS")
	approve := middleware.OptionalAuthMiddleware(opts.Authenticator)(http.HandlerFunc(h.OAuth.Approve))
	oauth.Handle("/device/approve", limited(approve.ServeHTTP)).Methods("POST", "OPTIONS")
	oauth.Handle("/device/deny", requireAuth(http.HandlerFunc(h.OAuth.Deny))).Methods("POST", "OPTIONS")
	oauth.Handle("/device/api-key", requireAuth(http.HandlerFunc(h.OAuth.CreateAPIKey))).Methods("POST", "OPTIONS")

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(middleware.SharedSecretMiddleware(middleware.WebhookSecretHeader, opts.WebhookSecret))
	internal.HandleFunc("/s3/validate", h.Webhook.ValidateS3).Methods("POST")

	if h.WebSocket != nil {
		r.HandleFunc("/ws", h.WebSocket.HandleConnection)
	}

	r.HandleFunc("/.well-known/jwks.json", h.Auth.JWKS).Methods("GET")
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"p8fs-auth"}`))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"P8FS Auth API","version":"1.0.0","endpoints":{"/api/v1/auth/register":"POST","/api/v1/auth/verify":"POST","/oauth/device/code":"POST","/oauth/token":"POST","/api/v1/credentials/s3":"GET (protected)"}}`))
}
