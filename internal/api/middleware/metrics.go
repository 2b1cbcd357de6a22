// metrics.go — Prometheus HTTP метрики.
// Регистрирует метрики: rs_http_requests_total, rs_http_request_duration_seconds.
// Бизнес-метрики регистрируются в сервисном слое.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rs_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rs_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Для стриминга длительность включает передачу тела.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// normalizePath заменяет идентификаторы в пути на {id}/{key} для
// предотвращения взрывного роста кардинальности метрик.
// /api/v1/videos/a1b2c3d4-.../trim → /api/v1/videos/{id}/trim
func normalizePath(path string) string {
	switch {
	case path == "/health/live", path == "/health/ready", path == "/metrics",
		path == "/api/v1/upload", path == "/api/v1/my-videos", path == "/api/v1/folders":
		return path
	}

	for _, prefix := range []string{"/api/v1/videos/", "/api/v1/folders/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		_, suffix, hasSuffix := strings.Cut(rest, "/")
		switch {
		case !hasSuffix:
			return prefix + "{id}"
		case suffix == "metadata" || suffix == "trim":
			return prefix + "{id}/" + suffix
		}
	}

	if strings.HasPrefix(path, "/api/v1/thumbnails/") {
		return "/api/v1/thumbnails/{key}"
	}
	return "other"
}
