package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"kiosk/internal/gateway/handlers"
	"kiosk/pkg/logger"
)

// Recovery turns a handler panic into a 500 JSON error and an error log line
// carrying the request id. http.ErrAbortHandler is re-raised so net/http can
// abort the connection quietly.
func Recovery(next http.Handler) http.Handler {
	log := logger.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			log.Error().
				Str("request_id", w.Header().Get(RequestIDHeader)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("panic", fmt.Sprint(rec)).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}
