package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"genjobs/internal/infra"
)

const maxRequestIDLen = 64

// RequestID reuses a caller-supplied X-Request-ID when it is reasonably
// short and mints a uuid otherwise. The id rides on the context, so backend
// calls made for this request carry it in their logs and headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(infra.WithRequestID(r.Context(), rid)))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	return infra.RequestIDFromContext(ctx)
}
