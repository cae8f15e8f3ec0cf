// Package shield holds the HTTP middleware in front of the domreplay API:
// security headers, request ids with a per-request logger, body limits and
// per-client rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(8<<20, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey holds the per-request logger.
const LoggerKey contextKey = "shield_logger"

// Stack returns the middleware every domreplay route runs behind, outermost
// first.
func Stack(maxBody int64, logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		headToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
		RequestID(logger),
	}
}

// headToGet serves HEAD through the GET routes; net/http drops the body.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
