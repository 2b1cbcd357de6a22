// logging.go — журнал HTTP-запросов через slog.
//
// Для стриминга запись дополняется запрошенным диапазоном и фактически
// отданным объёмом: ответ, оборванный клиентом (перемотка, закрытая
// вкладка), помечается aborted=true.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// responseWriter запоминает статус, объём тела и первую ошибку записи.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
	writeErr   error
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

// Unwrap нужен http.ResponseController (Flush, дедлайны записи).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// incomplete сообщает, что тело отдано не полностью: клиент закрыл
// соединение или запись завершилась ошибкой.
func (rw *responseWriter) incomplete(r *http.Request) bool {
	if rw.writeErr != nil {
		return true
	}
	if r.Method == http.MethodHead {
		return false
	}
	declared, err := strconv.ParseInt(rw.Header().Get("Content-Length"), 10, 64)
	return err == nil && rw.written < declared
}

// RequestLogger логирует каждый запрос. Уровень: INFO для 1xx-3xx,
// WARN для 4xx, ERROR для 5xx.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			attrs := make([]slog.Attr, 0, 9)
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			)
			if rng := r.Header.Get("Range"); rng != "" {
				attrs = append(attrs,
					slog.String("range", rng),
					slog.String("content_range", wrapped.Header().Get("Content-Range")),
				)
			}
			if wrapped.incomplete(r) {
				attrs = append(attrs, slog.Bool("aborted", true))
			}

			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
