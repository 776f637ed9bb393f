package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ashita-ai/daiku/internal/model"
)

// KeyFunc derives the rate-limit key from a request. An empty key
// bypasses the limiter for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for the error envelope. Injected
// by the caller so this package stays independent of the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces l ahead of next. A nil limiter or an empty key
// passes the request through, and a limiter malfunction fails open.
func Middleware(l Limiter, keyFunc KeyFunc, requestID RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := l.Allow(r.Context(), key)
			if err != nil || ok {
				next.ServeHTTP(w, r)
				return
			}

			var reqID string
			if requestID != nil {
				reqID = requestID(r)
			}
			writeLimited(w, reqID)
		})
	}
}

func writeLimited(w http.ResponseWriter, requestID string) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKey keys requests by client address. RemoteAddr only: X-Forwarded-For
// is client-controlled and would let anyone escape their bucket, so a
// deployment behind a proxy must have the proxy rewrite RemoteAddr.
func IPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
