package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"genie/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// LoggingMiddleware logs HTTP requests with structured logging and puts a
// request-scoped logger in the context.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.New().String()
			}

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			rw.Header().Set(requestIDHeader, requestID)

			ctx := logging.ContextWithLogger(r.Context(), logger)
			reqLogger := logging.RequestLogger(ctx, requestID, r.Method, r.URL.Path)
			next.ServeHTTP(rw, r.WithContext(logging.ContextWithLogger(ctx, reqLogger)))

			reqLogger.Info("HTTP Request",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.Int("status_code", rw.statusCode),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
