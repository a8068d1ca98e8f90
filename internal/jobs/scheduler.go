// Пакет jobs — планировщик фоновых задач с ограниченным пулом воркеров.
//
// Задачи с непустым ключом — синглтоны: повторная постановка задачи,
// уже стоящей в очереди или выполняющейся, игнорируется. Задача
// объявляет политику повторов; неудачный запуск перезапускается
// с задержкой до исчерпания лимита попыток. Результаты завершённых
// задач хранятся в LRU с TTL (IH_JOB_RESULT_TTL) и доступны по ключу.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики планировщика.
var (
	jobsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_jobs_scheduled_total",
		Help: "Общее количество поставленных в очередь задач.",
	})
	jobsDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_jobs_deduplicated_total",
		Help: "Общее количество задач, отброшенных дедупликацией по ключу.",
	})
	jobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_jobs_failed_total",
		Help: "Общее количество задач, завершившихся ошибкой после всех попыток.",
	})
	jobsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_jobs_retried_total",
		Help: "Общее количество перезапусков задач по политике повторов.",
	})
	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ih_job_duration_seconds",
		Help:    "Длительность выполнения фоновой задачи в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// queueCapacity — размер буфера очереди задач.
const queueCapacity = 256

// RetryPolicy — политика повторов задачи.
// MaxAttempts <= 1 означает единственную попытку.
type RetryPolicy struct {
	// MaxAttempts — суммарный лимит запусков, включая первый.
	MaxAttempts int
	// Delay — задержка перед перезапуском после неудачи.
	Delay time.Duration
}

// Job — единица фоновой работы.
type Job interface {
	// Key возвращает ключ синглтона. Пустая строка — без дедупликации.
	Key() string
	// Retry возвращает политику повторов задачи.
	Retry() RetryPolicy
	// Run выполняет задачу. Необязательный результат сохраняется
	// и доступен по ключу после завершения. Отмена ctx означает
	// остановку планировщика.
	Run(ctx context.Context) (json.RawMessage, error)
}

// JobFunc адаптирует функцию к интерфейсу Job.
type JobFunc struct {
	JobKey string
	Policy RetryPolicy
	Fn     func(ctx context.Context) (json.RawMessage, error)
}

// Key возвращает ключ синглтона.
func (j JobFunc) Key() string { return j.JobKey }

// Retry возвращает политику повторов.
func (j JobFunc) Retry() RetryPolicy { return j.Policy }

// Run выполняет функцию задачи.
func (j JobFunc) Run(ctx context.Context) (json.RawMessage, error) { return j.Fn(ctx) }

// Result — результат завершённой задачи.
type Result struct {
	// Key — ключ задачи.
	Key string `json:"key"`
	// StartedAt — момент начала последней попытки.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt — момент завершения.
	FinishedAt time.Time `json:"finished_at"`
	// Attempts — число выполненных запусков.
	Attempts int `json:"attempts"`
	// Payload — результат задачи (если задача его оставила).
	Payload json.RawMessage `json:"payload,omitempty"`
	// Err — текст ошибки (пустая строка — успех).
	Err string `json:"error,omitempty"`
}

// task — задача в очереди вместе с номером текущей попытки.
type task struct {
	job     Job
	attempt int
}

// Scheduler — планировщик фоновых задач.
type Scheduler struct {
	workers int
	queue   chan task
	results *expirable.LRU[string, *Result]
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{} // ключи задач в очереди или в работе

	jobCtx context.Context // контекст пула, закрывается в Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler создаёт планировщик.
// workers — количество воркеров (IH_JOB_WORKERS).
// resultTTL — время хранения результатов завершённых задач.
func NewScheduler(workers int, resultTTL time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		workers:  workers,
		queue:    make(chan task, queueCapacity),
		results:  expirable.NewLRU[string, *Result](queueCapacity, nil, resultTTL),
		inFlight: make(map[string]struct{}),
		logger:   logger.With(slog.String("component", "jobs")),
	}
}

// Start запускает пул воркеров. Вызывается один раз при старте приложения.
func (s *Scheduler) Start(ctx context.Context) {
	jobCtx, cancel := context.WithCancel(ctx)
	s.jobCtx = jobCtx
	s.cancel = cancel

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(jobCtx)
	}

	s.logger.Info("Планировщик задач запущен",
		slog.Int("workers", s.workers),
	)
}

// Stop останавливает воркеров и дожидается завершения текущих задач.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Планировщик задач остановлен")
}

// Schedule ставит задачу в очередь. Возвращает false, если задача
// с тем же ключом уже стоит в очереди или выполняется, либо очередь полна.
func (s *Scheduler) Schedule(job Job) bool {
	if key := job.Key(); key != "" {
		s.mu.Lock()
		if _, busy := s.inFlight[key]; busy {
			s.mu.Unlock()
			jobsDeduplicatedTotal.Inc()
			return false
		}
		s.inFlight[key] = struct{}{}
		s.mu.Unlock()
	}

	select {
	case s.queue <- task{job: job, attempt: 1}:
		jobsScheduledTotal.Inc()
		return true
	default:
		s.release(job.Key())
		s.logger.Warn("Очередь задач переполнена, задача отброшена",
			slog.String("key", job.Key()),
		)
		return false
	}
}

// ScheduleAfter ставит задачу в очередь после задержки.
// Постановка отменяется вместе с остановкой планировщика.
// Вызывается только после Start.
func (s *Scheduler) ScheduleAfter(delay time.Duration, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.jobCtx.Done():
		case <-timer.C:
			s.Schedule(job)
		}
	}()
}

// ScheduleEvery периодически ставит задачу в очередь с указанным
// интервалом. Первая постановка — сразу. Вызывается только после Start.
func (s *Scheduler) ScheduleEvery(interval time.Duration, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Schedule(job)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.jobCtx.Done():
				return
			case <-ticker.C:
				s.Schedule(job)
			}
		}
	}()
}

// Result возвращает результат последнего завершённого запуска задачи.
func (s *Scheduler) Result(key string) (*Result, bool) {
	return s.results.Get(key)
}

// worker — цикл одного воркера пула.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-s.queue:
			s.runJob(ctx, tk)
		}
	}
}

// runJob выполняет одну попытку задачи. Неудача при неисчерпанной
// политике повторов перезапускает задачу с задержкой; терминальный
// исход фиксируется в результатах.
func (s *Scheduler) runJob(ctx context.Context, tk task) {
	key := tk.job.Key()

	start := time.Now()
	payload, err := tk.job.Run(ctx)
	duration := time.Since(start)

	jobDurationSeconds.Observe(duration.Seconds())

	policy := tk.job.Retry()
	if err != nil && tk.attempt < policy.MaxAttempts && ctx.Err() == nil {
		jobsRetriedTotal.Inc()
		s.logger.Warn("Задача завершилась ошибкой, запланирован повтор",
			slog.String("key", key),
			slog.Int("attempt", tk.attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.String("error", err.Error()),
		)
		// Ключ синглтона остаётся занятым до терминального исхода:
		// постановка той же задачи в окне ожидания дедуплицируется.
		s.requeue(task{job: tk.job, attempt: tk.attempt + 1}, policy.Delay)
		return
	}

	s.release(key)

	result := &Result{
		Key:        key,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Attempts:   tk.attempt,
		Payload:    payload,
	}
	if err != nil {
		result.Err = err.Error()
		jobsFailedTotal.Inc()
		s.logger.Error("Задача завершилась ошибкой",
			slog.String("key", key),
			slog.Int("attempts", tk.attempt),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("Задача выполнена",
			slog.String("key", key),
			slog.Duration("duration", duration),
		)
	}
	if key != "" {
		s.results.Add(key, result)
	}
}

// requeue возвращает задачу в очередь после задержки, не снимая ключ
// синглтона.
func (s *Scheduler) requeue(tk task, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.jobCtx.Done():
			s.release(tk.job.Key())
		case <-timer.C:
			select {
			case s.queue <- tk:
			default:
				s.release(tk.job.Key())
				s.logger.Warn("Очередь задач переполнена, повтор отброшен",
					slog.String("key", tk.job.Key()),
				)
			}
		}
	}()
}

// release снимает ключ синглтона.
func (s *Scheduler) release(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}
