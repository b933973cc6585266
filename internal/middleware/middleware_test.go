package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"p8fs-auth/internal/domain"
)

type fakeAuthenticator struct {
	token  string
	caller *domain.Caller
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*domain.Caller, error) {
	if token != f.token {
		return nil, errors.New("bad token")
	}
	return f.caller, nil
}

func callerEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller := GetCaller(r); caller != nil {
			w.Header().Set("X-Device", caller.DeviceID)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	auth := &fakeAuthenticator{token: "p8fs_at_good", caller: &domain.Caller{TenantID: "tenant-1", DeviceID: "dev-1"}}

	tests := []struct {
		name       string
		header     string
		optional   bool
		wantStatus int
		wantDevice string
	}{
		{"valid", "Bearer p8fs_at_good", false, http.StatusNoContent, "dev-1"},
		{"lower-case scheme", "bearer p8fs_at_good", false, http.StatusNoContent, "dev-1"},
		{"missing", "", false, http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", false, http.StatusUnauthorized, ""},
		{"bad token", "Bearer p8fs_at_bad", false, http.StatusUnauthorized, ""},
		{"optional anonymous", "", true, http.StatusNoContent, ""},
		{"optional valid", "Bearer p8fs_at_good", true, http.StatusNoContent, "dev-1"},
		{"optional bad token", "Bearer p8fs_at_bad", true, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := AuthMiddleware(auth)
			if tt.optional {
				mw = OptionalAuthMiddleware(auth)
			}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw(callerEcho(t)).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("X-Device"); got != tt.wantDevice {
				t.Errorf("caller device = %q, want %q", got, tt.wantDevice)
			}
		})
	}
}

func TestLoggerRecordsSubject(t *testing.T) {
	auth := &fakeAuthenticator{token: "tok", caller: &domain.Caller{TenantID: "t", DeviceID: "dev-9"}}

	var seen *responseWriter
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(logEntryKey).(*responseWriter)
	})
	handler := LoggerMiddleware()(AuthMiddleware(auth)(inner))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen == nil || seen.deviceID != "dev-9" {
		t.Errorf("access log subject not recorded: %+v", seen)
	}
}

func TestSharedSecretMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{"match", "s3cret", "s3cret", http.StatusNoContent},
		{"mismatch", "s3cret", "nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/s3/validate", nil)
			if tt.header != "" {
				req.Header.Set(WebhookSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			SharedSecretMiddleware(WebhookSecretHeader, tt.secret)(callerEcho(t)).ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	defer limiter.Stop()
	handler := RateLimitMiddleware(limiter)(callerEcho(t))

	statuses := make([]int, 0, 4)
	for _, ip := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests, http.StatusNoContent}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, statuses[i], want[i])
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		xri    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "", "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", "", "198.51.100.2", "10.0.0.1:1234", "198.51.100.2"},
		{"remote", "", "", "192.0.2.1:4321", "192.0.2.1"},
		{"ipv6 remote", "", "", "[2001:db8::1]:4321", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    string
		method     string
		path       string
		origin     string
		preflight  bool
		wantStatus int
		wantOrigin string
	}{
		{"listed origin", "https://app.example.com,https://other.example.com", "GET", "/api/v1/devices", "https://other.example.com", false, http.StatusTeapot, "https://other.example.com"},
		{"unlisted origin", "https://app.example.com", "GET", "/api/v1/devices", "https://evil.example.com", false, http.StatusTeapot, ""},
		{"wildcard", "*", "GET", "/api/v1/devices", "https://any.example.com", false, http.StatusTeapot, "*"},
		{"preflight", "https://app.example.com", "OPTIONS", "/oauth/token", "https://app.example.com", true, http.StatusNoContent, "https://app.example.com"},
		{"plain options", "https://app.example.com", "OPTIONS", "/oauth/token", "https://app.example.com", false, http.StatusTeapot, "https://app.example.com"},
		{"no origin", "*", "GET", "/health", "", false, http.StatusTeapot, ""},
		{"internal route", "*", "POST", "/internal/s3/validate", "https://any.example.com", false, http.StatusTeapot, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORSMiddleware(tt.allowed, "GET,POST", "Content-Type,Authorization")(next)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
				t.Error("credentials mode advertised")
			}
		})
	}
}
