package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// requestIDKey is the context key request IDs are stored under.
	requestIDKey contextKey = "request_id"

	// RequestIDHeader is the response header carrying the request ID.
	RequestIDHeader = "X-Request-ID"
)

// RequestID assigns every control-plane request a fresh UUID, exposed both
// in the response header and via GetRequestID for handlers that put it in
// an error body. The ID exists to correlate an operator-visible response
// with the server's structured logs and audit rows, so an inbound
// X-Request-ID is deliberately ignored — a caller-chosen value would let a
// client forge correlations in the audit trail.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request's assigned ID, or "" outside a
// RequestID-wrapped handler.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
