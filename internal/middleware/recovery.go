package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/kongjwt/internal/apierror"
)

// Recovery turns a handler panic into a logged stack trace and Kong's 500
// body.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, apierror.MsgInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
