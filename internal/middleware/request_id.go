package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/contextkey"
)

// RequestID tags every request with a fresh id, exposed in the context for
// log enrichment and echoed in the X-Request-ID header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, requestID)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID.String())
		next.ServeHTTP(w, req)
	})
}
