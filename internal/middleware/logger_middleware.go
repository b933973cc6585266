package middleware

import (
	"bufio"
	"context"
	"log"
	"net"
	"net/http"
	"time"
)

const logEntryKey contextKey = "log_entry"

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	deviceID   string
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// LoggerMiddleware writes one access line per request. Tokens, codes and
// signatures are never logged.
func LoggerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			ctx := context.WithValue(r.Context(), logEntryKey, rw)
			next.ServeHTTP(rw, r.WithContext(ctx))

			duration := time.Since(start)

			device := rw.deviceID
			if device == "" {
				device = "anonymous"
			}

			log.Printf("[%s] %s %s - Status: %d - Duration: %v - Device: %s",
				r.Method,
				r.URL.Path,
				ClientIP(r),
				rw.statusCode,
				duration,
				device,
			)
		})
	}
}

// recordSubject lets inner middleware report the authenticated device to
// the access log.
func recordSubject(r *http.Request, deviceID string) {
	if rw, ok := r.Context().Value(logEntryKey).(*responseWriter); ok {
		rw.deviceID = deviceID
	}
}
