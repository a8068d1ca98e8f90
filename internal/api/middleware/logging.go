// logging.go — журналирование HTTP-запросов. Один процесс обслуживает
// много identity, поэтому каждая строка несёт хост арендатора: без него
// запросы разных identity в журнале неразличимы.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder перехватывает статус-код и размер тела ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap отдаёт оригинальный ResponseWriter для http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// levelForStatus — уровень журнала по статус-коду ответа:
// 5xx — ERROR, 4xx — WARN, остальное — INFO.
func levelForStatus(code int) slog.Level {
	switch {
	case code >= 500:
		return slog.LevelError
	case code >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger возвращает middleware, пишущий строку журнала на каждый
// обработанный запрос: хост арендатора, метод, путь, статус, размер
// ответа, длительность и адрес клиента.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	log := logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			log.LogAttrs(r.Context(), levelForStatus(rec.status), "Обработан HTTP-запрос",
				slog.String("host", requestHost(r)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
