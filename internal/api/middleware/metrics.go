// metrics.go — Prometheus HTTP метрики identity host.
// Регистрирует метрики: ih_http_requests_total, ih_http_request_duration_seconds.
// Бизнес-метрики (доставки outbox, применение inbox, ротация ключей)
// регистрируются в соответствующих пакетах и обновляются по месту.
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
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ih_http_requests_total",
			Help: "Общее количество HTTP-запросов к identity host",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ih_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к identity host в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик,
			// чтобы произвольные пути не раздували кардинальность
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// knownPrefixes — префиксы зарегистрированных групп маршрутов.
// Идентификаторы ресурсов у identity host передаются телом или
// query-строкой, поэтому путь внутри группы фиксирован.
var knownPrefixes = []string{
	"/health/",
	"/metrics",
	"/api/v1/perimeter/",
	"/api/v1/owner/",
	"/api/v1/apps/",
}

// normalizePath возвращает путь как есть для зарегистрированных групп
// маршрутов и "/other" для всего остального (404-шум, сканеры).
func normalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(path, prefix) {
			return path
		}
	}
	return "/other"
}
