package logging

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// statusRecorder remembers the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

type AccessLogMiddleware struct {
	logger             *slog.Logger
	ignorePathPrefixes []string
}

// NewAccessLogMiddleware creates a middleware that logs every request except
// those whose path starts with one of ignorePathPrefixes.
func NewAccessLogMiddleware(logger *slog.Logger, ignorePathPrefixes ...string) *AccessLogMiddleware {
	return &AccessLogMiddleware{
		logger:             logger,
		ignorePathPrefixes: ignorePathPrefixes,
	}
}

func (mw *AccessLogMiddleware) Use(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Handlers log through the context, so hand them the access logger.
		r = r.WithContext(NewContext(r.Context(), mw.logger))
		if mw.isIgnorePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		mw.logger.Log(
			r.Context(),
			level,
			"access log",
			"topic", "accesslog",
			"method", r.Method,
			"url", r.URL.String(),
			"status", rec.statusCode,
			"bytes", rec.written,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	}
}

func (mw *AccessLogMiddleware) isIgnorePath(path string) bool {
	return slices.ContainsFunc(mw.ignorePathPrefixes, func(prefix string) bool {
		return strings.HasPrefix(path, prefix)
	})
}
