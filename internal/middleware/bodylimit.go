package middleware

import (
	"net/http"

	"github.com/dskow/kongjwt/internal/apierror"
)

// BodyLimit caps request bodies at maxBytes. A declared Content-Length over
// the cap is answered with 413 before the handler runs; chunked bodies fail
// inside the handler, which should call WriteBodyLimitError.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes Kong's 413 body.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.PayloadTooLarge, apierror.MsgTooLarge)
}
