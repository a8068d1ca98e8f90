// processor.go — процессор доставки исходящих передач.
//
// Цикл: резервирование batch свежим checkout stamp → сборка конверта →
// POST получателю → классификация исхода. Временные ошибки возвращают
// элемент в очередь с экспоненциальным backoff; исчерпание лимита
// попыток уводит элемент в dead-letter (outbox_history, expired).
//
// Запускается как горутина с периодическим тикером (IH_OUTBOX_INTERVAL)
// и дополнительно будится постановкой новых передач.
package transit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/drive"
	"github.com/bigkaa/identhost/internal/jobs"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/peerclient"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/transit/envelope"
)

// Prometheus метрики процессора доставки.
var (
	outboxAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_outbox_attempts_total",
		Help: "Общее количество попыток доставки",
	})
	outboxDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_outbox_delivered_total",
		Help: "Общее количество успешных доставок",
	})
	outboxRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_outbox_rejected_total",
		Help: "Общее количество передач, отвергнутых получателем",
	})
	outboxExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_outbox_expired_total",
		Help: "Общее количество передач с исчерпанным лимитом попыток",
	})
	outboxDeliveryDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ih_outbox_delivery_duration_seconds",
		Help:    "Длительность одной попытки доставки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// OutboxProcessorConfig — параметры процессора доставки.
type OutboxProcessorConfig struct {
	// BatchSize — размер batch резервирования (IH_OUTBOX_BATCH_SIZE).
	BatchSize int
	// MaxAttempts — лимит попыток до dead-letter (IH_OUTBOX_MAX_ATTEMPTS).
	MaxAttempts int
	// RetryBase — базовая задержка backoff (IH_OUTBOX_RETRY_BASE).
	RetryBase time.Duration
	// RetryMax — потолок задержки backoff (IH_OUTBOX_RETRY_MAX).
	RetryMax time.Duration
	// Interval — период фонового прохода (IH_OUTBOX_INTERVAL).
	Interval time.Duration
}

// OutboxProcessor — фоновый процессор доставки исходящих передач.
type OutboxProcessor struct {
	outbox    repository.OutboxRepository
	tenants   repository.TenantRepository
	store     *drive.Store
	builder   *envelope.Builder
	auth      *circle.Authorizer
	peers     *peerclient.Client
	scheduler *jobs.Scheduler
	masterKey []byte
	cfg       OutboxProcessorConfig
	logger    *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска ProcessTenant
	cancel context.CancelFunc
}

// NewOutboxProcessor создаёт процессор доставки.
func NewOutboxProcessor(
	outbox repository.OutboxRepository,
	tenants repository.TenantRepository,
	store *drive.Store,
	builder *envelope.Builder,
	auth *circle.Authorizer,
	peers *peerclient.Client,
	scheduler *jobs.Scheduler,
	masterKey []byte,
	cfg OutboxProcessorConfig,
	logger *slog.Logger,
) *OutboxProcessor {
	return &OutboxProcessor{
		outbox:    outbox,
		tenants:   tenants,
		store:     store,
		builder:   builder,
		auth:      auth,
		peers:     peers,
		scheduler: scheduler,
		masterKey: masterKey,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "outbox_processor")),
	}
}

// Start запускает фоновую горутину процессора с периодическим тикером
// и возвращает недоотправленные после прошлого останова элементы в очередь.
// Вызывается один раз при старте приложения.
func (p *OutboxProcessor) Start(ctx context.Context) {
	procCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.recoverStamps(procCtx)
	go p.run(procCtx)

	p.logger.Info("Процессор outbox запущен",
		slog.String("interval", p.cfg.Interval.String()),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("max_attempts", p.cfg.MaxAttempts),
	)
}

// Stop останавливает фоновый процесс.
func (p *OutboxProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("Процессор outbox остановлен")
}

// Kick будит процессор для арендатора: доставка начинается сразу после
// постановки, без ожидания тика. Ключ синглтона исключает параллельную
// обработку одного арендатора.
func (p *OutboxProcessor) Kick(tenant *model.Tenant) {
	tenantID := tenant.TenantID
	p.scheduler.Schedule(jobs.JobFunc{
		JobKey: "outbox:" + tenantID.String(),
		Fn: func(ctx context.Context) (json.RawMessage, error) {
			return nil, p.ProcessTenant(ctx, tenantID)
		},
	})
}

// run — основной цикл фоновой горутины.
func (p *OutboxProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep ставит задачу обработки на каждого арендатора с дозревшими
// элементами.
func (p *OutboxProcessor) sweep(ctx context.Context) {
	tenants, err := p.tenants.List(ctx)
	if err != nil {
		p.logger.Error("Sweep: ошибка выборки арендаторов",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, tenant := range tenants {
		p.Kick(tenant)
	}
}

// recoverStamps возвращает в очередь элементы, оставшиеся
// зарезервированными после аварийного останова.
func (p *OutboxProcessor) recoverStamps(ctx context.Context) {
	tenants, err := p.tenants.List(ctx)
	if err != nil {
		p.logger.Error("Восстановление: ошибка выборки арендаторов",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, tenant := range tenants {
		if err := p.outbox.ReleaseStamps(ctx, tenant.TenantID); err != nil {
			p.logger.Error("Восстановление: ошибка снятия checkout stamp",
				slog.String("tenant_id", tenant.TenantID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ProcessTenant выполняет доставку дозревших элементов арендатора
// до опустошения очереди. Потокобезопасен: параллельная обработка
// одного процессора сериализуется мьютексом.
func (p *OutboxProcessor) ProcessTenant(ctx context.Context, tenantID model.TenantID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tenant, err := p.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := p.outbox.GetNextBatch(ctx, tenantID, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, item := range batch {
			p.deliverItem(ctx, tenant, item)
		}
	}
}

// DeliverNow выполняет синхронную доставку одного элемента (режим
// now_await_response) и возвращает статус для клиента.
func (p *OutboxProcessor) DeliverNow(ctx context.Context, tenant *model.Tenant, item *model.OutboxItem) model.TransferStatus {
	outcome := p.deliverItem(ctx, tenant, item)
	switch outcome {
	case model.OutcomeSuccess:
		return model.TransferStatusDelivered
	case model.OutcomeRetryable:
		return model.TransferStatusPendingRetry
	default:
		return model.TransferStatusRejected
	}
}

// deliverItem выполняет одну попытку доставки элемента и фиксирует исход.
func (p *OutboxProcessor) deliverItem(ctx context.Context, tenant *model.Tenant, item *model.OutboxItem) model.AttemptOutcome {
	start := time.Now()
	outcome, detail := p.attempt(ctx, tenant, item)
	duration := time.Since(start)

	outboxAttemptsTotal.Inc()
	outboxDeliveryDurationSeconds.Observe(duration.Seconds())

	// Исчерпание лимита попыток превращает retryable в expired.
	if outcome == model.OutcomeRetryable && item.AttemptCount()+1 >= p.cfg.MaxAttempts {
		outcome = model.OutcomeExpired
		detail = fmt.Sprintf("исчерпан лимит попыток (%d): %s", p.cfg.MaxAttempts, detail)
	}

	attempt := model.TransferAttempt{
		Timestamp: time.Now().UTC(),
		Outcome:   outcome,
		Detail:    detail,
	}
	nextRun := time.Now().UTC().Add(p.backoff(item.AttemptCount()))

	if err := p.outbox.RecordAttempt(ctx, item, attempt, nextRun); err != nil {
		p.logger.Error("Ошибка записи попытки доставки",
			slog.String("recipient", item.Recipient.String()),
			slog.String("file", item.File.String()),
			slog.String("error", err.Error()),
		)
		return outcome
	}

	switch outcome {
	case model.OutcomeSuccess:
		outboxDeliveredTotal.Inc()
		p.logger.Info("Передача доставлена",
			slog.String("recipient", item.Recipient.String()),
			slog.String("file", item.File.String()),
			slog.Duration("duration", duration),
		)
		p.cleanupTransient(ctx, tenant, item)
	case model.OutcomeRejected:
		outboxRejectedTotal.Inc()
		p.logger.Warn("Передача отвергнута получателем",
			slog.String("recipient", item.Recipient.String()),
			slog.String("file", item.File.String()),
			slog.String("detail", detail),
		)
	case model.OutcomeExpired:
		outboxExpiredTotal.Inc()
		p.logger.Error("Передача снята по исчерпанию лимита попыток",
			slog.String("recipient", item.Recipient.String()),
			slog.String("file", item.File.String()),
			slog.Int("attempts", item.AttemptCount()+1),
		)
	default:
		p.logger.Debug("Временная ошибка доставки, попытка будет повторена",
			slog.String("recipient", item.Recipient.String()),
			slog.String("detail", detail),
			slog.Time("next_run_time", nextRun),
		)
	}
	return outcome
}

// attempt собирает конверт и выполняет HTTP-вызов получателя.
func (p *OutboxProcessor) attempt(ctx context.Context, tenant *model.Tenant, item *model.OutboxItem) (model.AttemptOutcome, string) {
	env, err := p.buildEnvelope(tenant, item)
	if err != nil {
		// Локальная невозможность собрать конверт (файл удалён,
		// заголовок повреждён) не лечится повторами.
		return model.OutcomeRejected, fmt.Sprintf("сборка конверта: %v", err)
	}

	token, err := p.auth.DecryptToken(item.EncryptedClientAuthToken)
	if err != nil {
		return model.OutcomeRejected, fmt.Sprintf("connection-токен: %v", err)
	}

	res, err := p.peers.SendFileMetadata(ctx, item.Recipient, token, env)
	if err != nil {
		return model.OutcomeRetryable, fmt.Sprintf("сеть: %v", err)
	}

	switch {
	case res.Accepted():
		return model.OutcomeSuccess, ""
	case res.HTTPStatus >= 500:
		return model.OutcomeRetryable, fmt.Sprintf("HTTP %d: %s", res.HTTPStatus, res.Message)
	case res.HTTPStatus == 429:
		return model.OutcomeRetryable, "HTTP 429: получатель перегружен"
	default:
		// Отказ по неизвестному CRC означает ротацию ключа получателя:
		// сбрасываем кэш, чтобы следующая отправка завернулась заново.
		if res.Code == "invalid_public_key_crc" {
			p.builder.InvalidateRecipientKey(item.Recipient)
		}
		return model.OutcomeRejected, fmt.Sprintf("HTTP %d: %s %s", res.HTTPStatus, res.Code, res.Message)
	}
}

// buildEnvelope читает файл с диска и собирает конверт по сохранённому
// instruction set.
func (p *OutboxProcessor) buildEnvelope(tenant *model.Tenant, item *model.OutboxItem) (*model.TransferEnvelope, error) {
	header, err := p.store.ReadHeader(tenant.TenantID, item.File)
	if err != nil {
		return nil, err
	}
	combined, err := keys.OpenWithMasterKey(p.masterKey, header.KeyHeaderEnc)
	if err != nil {
		return nil, fmt.Errorf("расшифровка ключевого заголовка файла: %w", err)
	}
	kh, err := keys.KeyHeaderFromCombined(combined)
	if err != nil {
		return nil, err
	}

	f, err := p.store.OpenPayload(tenant.TenantID, item.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, fmt.Errorf("чтение содержимого файла: %w", err)
	}

	return envelope.Seal(&item.InstructionSet, kh, &header.Descriptor, buf.Bytes())
}

// cleanupTransient удаляет локальную копию временного файла после
// доставки всем получателям.
func (p *OutboxProcessor) cleanupTransient(ctx context.Context, tenant *model.Tenant, item *model.OutboxItem) {
	if !item.Options.IsTransient {
		return
	}
	remaining, err := p.outbox.LiveCountForFile(ctx, tenant.TenantID, item.File)
	if err != nil || remaining > 0 {
		return
	}
	if err := p.store.Delete(tenant.TenantID, item.File); err != nil {
		p.logger.Warn("Не удалось удалить временный файл",
			slog.String("file", item.File.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.Debug("Временный файл удалён после доставки",
		slog.String("file", item.File.String()),
	)
}

// backoff возвращает экспоненциальную задержку с джиттером:
// base × 2^attempts, не более RetryMax, ±20%.
func (p *OutboxProcessor) backoff(attempts int) time.Duration {
	d := p.cfg.RetryBase
	for i := 0; i < attempts && d < p.cfg.RetryMax; i++ {
		d *= 2
	}
	if d > p.cfg.RetryMax {
		d = p.cfg.RetryMax
	}
	jitter := 1 + (rand.Float64()-0.5)*0.4 //nolint:gosec // не криптографический джиттер
	return time.Duration(float64(d) * jitter)
}
