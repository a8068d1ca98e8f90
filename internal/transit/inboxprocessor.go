// inboxprocessor.go — процессор применения входящих передач в drive.
//
// Цикл: резервирование batch свежим маркером → разворачивание ключевого
// заголовка по CRC → идемпотичное применение по global transit id →
// снятие элемента. Исходы применения:
//   - применено: элемент удаляется (CommitItem);
//   - временная ошибка (БД, диск): маркер снимается, элемент вернётся
//     в pending и будет применён следующим проходом;
//   - невалидный элемент (битый конверт, неизвестный ключ, отзыв прав):
//     элемент удаляется без применения — повторы его не вылечат.
package transit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/drive"
	"github.com/bigkaa/identhost/internal/jobs"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/transit/envelope"
)

// Prometheus метрики процессора применения.
var (
	inboxAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_inbox_applied_total",
		Help: "Общее количество применённых входящих передач",
	})
	inboxDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_inbox_discarded_total",
		Help: "Общее количество невалидных элементов, снятых без применения",
	})
	inboxRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_inbox_retried_total",
		Help: "Общее количество элементов, возвращённых в очередь после временной ошибки",
	})
	inboxApplyDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ih_inbox_apply_duration_seconds",
		Help:    "Длительность применения одного элемента inbox в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// errDiscard помечает элемент как невалидный: он снимается без применения.
type errDiscard struct{ reason string }

func (e *errDiscard) Error() string { return e.reason }

// discardf строит ошибку снятия без применения.
func discardf(format string, args ...any) error {
	return &errDiscard{reason: fmt.Sprintf(format, args...)}
}

// InboxProcessorConfig — параметры процессора применения.
type InboxProcessorConfig struct {
	// BatchSize — размер batch резервирования (IH_INBOX_BATCH_SIZE).
	BatchSize int
	// Interval — период фонового прохода (IH_INBOX_INTERVAL).
	Interval time.Duration
}

// InboxProcessor — фоновый процессор применения входящих передач.
type InboxProcessor struct {
	inbox      repository.InboxRepository
	driveFiles repository.DriveFileRepository
	tenants    repository.TenantRepository
	drives     repository.DriveRepository
	store      *drive.Store
	keySvc     *keys.Service
	auth       *circle.Authorizer
	scheduler  *jobs.Scheduler
	masterKey  []byte
	cfg        InboxProcessorConfig
	logger     *slog.Logger

	mu     sync.Mutex // защита от параллельного применения
	cancel context.CancelFunc
}

// NewInboxProcessor создаёт процессор применения.
func NewInboxProcessor(
	inbox repository.InboxRepository,
	driveFiles repository.DriveFileRepository,
	tenants repository.TenantRepository,
	drives repository.DriveRepository,
	store *drive.Store,
	keySvc *keys.Service,
	auth *circle.Authorizer,
	scheduler *jobs.Scheduler,
	masterKey []byte,
	cfg InboxProcessorConfig,
	logger *slog.Logger,
) *InboxProcessor {
	return &InboxProcessor{
		inbox:      inbox,
		driveFiles: driveFiles,
		tenants:    tenants,
		drives:     drives,
		store:      store,
		keySvc:     keySvc,
		auth:       auth,
		scheduler:  scheduler,
		masterKey:  masterKey,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "inbox_processor")),
	}
}

// Start запускает фоновую горутину процессора и возвращает элементы,
// зарезервированные до останова, в pending.
func (p *InboxProcessor) Start(ctx context.Context) {
	procCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.recoverMarkers(procCtx)
	go p.run(procCtx)

	p.logger.Info("Процессор inbox запущен",
		slog.String("interval", p.cfg.Interval.String()),
		slog.Int("batch_size", p.cfg.BatchSize),
	)
}

// Stop останавливает фоновый процесс.
func (p *InboxProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("Процессор inbox остановлен")
}

// Kick будит процессор для drive. Ключ синглтона исключает
// параллельное применение одной очереди.
func (p *InboxProcessor) Kick(tenant *model.Tenant, driveID model.DriveID) {
	tenantID := tenant.TenantID
	p.scheduler.Schedule(jobs.JobFunc{
		JobKey: "inbox:" + tenantID.String() + ":" + driveID.String(),
		Fn: func(ctx context.Context) (json.RawMessage, error) {
			return nil, p.ProcessDrive(ctx, tenantID, driveID)
		},
	})
}

// run — основной цикл фоновой горутины: периодический проход по всем
// арендаторам подбирает элементы, возвращённые в pending после сбоев.
func (p *InboxProcessor) run(ctx context.Context) {
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

// sweep ставит задачу применения на каждый drive с pending-элементами.
func (p *InboxProcessor) sweep(ctx context.Context) {
	tenants, err := p.tenants.List(ctx)
	if err != nil {
		p.logger.Error("Sweep: ошибка выборки арендаторов",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, tenant := range tenants {
		items, err := p.inbox.List(ctx, tenant.TenantID)
		if err != nil {
			continue
		}
		seen := make(map[model.DriveID]struct{})
		for _, item := range items {
			if _, ok := seen[item.DriveID]; ok {
				continue
			}
			seen[item.DriveID] = struct{}{}
			p.Kick(tenant, item.DriveID)
		}
	}
}

// recoverMarkers возвращает зарезервированные элементы в pending
// после останова.
func (p *InboxProcessor) recoverMarkers(ctx context.Context) {
	tenants, err := p.tenants.List(ctx)
	if err != nil {
		p.logger.Error("Восстановление: ошибка выборки арендаторов",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, tenant := range tenants {
		if err := p.inbox.CancelAll(ctx, tenant.TenantID); err != nil {
			p.logger.Error("Восстановление: ошибка снятия маркеров inbox",
				slog.String("tenant_id", tenant.TenantID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ProcessDrive применяет pending-элементы drive до опустошения очереди.
// Потокобезопасен.
func (p *InboxProcessor) ProcessDrive(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		marker, batch, err := p.inbox.Reserve(ctx, tenantID, driveID, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		transientFailure := false
		for _, item := range batch {
			if p.applyItem(ctx, marker, item) {
				continue
			}
			transientFailure = true
		}

		// Неприменённые из-за временных ошибок элементы возвращаются
		// в pending; применённые уже удалены и маркером не затрагиваются.
		if transientFailure {
			if err := p.inbox.Cancel(ctx, marker); err != nil {
				p.logger.Error("Ошибка возврата элементов в pending",
					slog.String("error", err.Error()),
				)
			}
			return nil
		}
	}
}

// applyItem применяет один элемент. Возвращает false только при
// временной ошибке — элемент останется в очереди.
func (p *InboxProcessor) applyItem(ctx context.Context, marker uuid.UUID, item *model.InboxItem) bool {
	start := time.Now()

	var err error
	switch item.Type {
	case model.InboxItemTypeFile:
		err = p.applyFile(ctx, item)
	case model.InboxItemTypeDelete:
		err = p.applyDelete(ctx, item)
	default:
		err = discardf("неизвестный тип элемента: %s", item.Type)
	}

	inboxApplyDurationSeconds.Observe(time.Since(start).Seconds())

	var discard *errDiscard
	switch {
	case err == nil:
		inboxAppliedTotal.Inc()
	case errors.As(err, &discard):
		inboxDiscardedTotal.Inc()
		p.logger.Warn("Невалидный элемент inbox снят без применения",
			slog.String("sender", item.Sender.String()),
			slog.String("drive_id", item.DriveID.String()),
			slog.String("reason", discard.reason),
		)
	default:
		inboxRetriedTotal.Inc()
		p.logger.Error("Временная ошибка применения, элемент вернётся в очередь",
			slog.String("sender", item.Sender.String()),
			slog.String("drive_id", item.DriveID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := p.inbox.CommitItem(ctx, marker, item.ID); err != nil {
		p.logger.Error("Ошибка снятия элемента inbox",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// applyFile применяет входящую передачу файла: разворачивает ключевой
// заголовок, расшифровывает метаданные и идемпотентно записывает файл
// в drive по global transit id.
func (p *InboxProcessor) applyFile(ctx context.Context, item *model.InboxItem) error {
	env := &model.TransferEnvelope{}
	if err := json.Unmarshal(item.Payload, env); err != nil {
		return discardf("битый конверт: %v", err)
	}

	// Отзыв прав между приёмом и применением учитывается повторной проверкой.
	if err := p.auth.AssertCanWriteToDrive(ctx, item.TenantID, item.Sender, item.DriveID); err != nil {
		if errors.Is(err, circle.ErrNotAuthorized) {
			return discardf("права отправителя отозваны: %v", err)
		}
		return err
	}

	kh, err := p.keySvc.UnwrapKeyHeader(ctx, item.TenantID,
		env.InstructionSet.PublicKeyCRC, env.InstructionSet.EncryptedKeyHeader)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return discardf("ключ с CRC 0x%X неизвестен", env.InstructionSet.PublicKeyCRC)
		case errors.Is(err, keys.ErrKeyExpired):
			return discardf("ключ с CRC 0x%X вне окна валидности", env.InstructionSet.PublicKeyCRC)
		}
		return err
	}

	descriptor, err := envelope.OpenMetadata(env, kh)
	if err != nil {
		return discardf("конверт не расшифровывается: %v", err)
	}

	gtid := env.InstructionSet.GlobalTransitID
	fileID, created, err := p.driveFiles.UpsertByGlobalTransitID(ctx, &model.DriveFileRecord{
		TenantID:        item.TenantID,
		DriveID:         item.DriveID,
		FileID:          item.FileID,
		GlobalTransitID: &gtid,
		Sender:          item.Sender,
		Metadata:        *descriptor,
	})
	if err != nil {
		return err
	}

	file := model.InternalFileID{DriveID: item.DriveID, FileID: fileID}

	// Ключевой заголовок пересчитывается под мастер-ключ этого хоста.
	khEnc, err := keys.SealWithMasterKey(p.masterKey, kh.Combine())
	if err != nil {
		return err
	}

	// Содержимое сохраняется в том виде, в котором пришло по сети:
	// оно уже зашифровано ключевым заголовком.
	size := int64(0)
	checksum := ""
	if len(env.Payload) > 0 {
		size, checksum, err = p.store.SavePayload(item.TenantID, file, bytes.NewReader(env.Payload))
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	header := &drive.FileHeader{
		FileID:          fileID,
		GlobalTransitID: &gtid,
		Sender:          item.Sender,
		KeyHeaderEnc:    khEnc,
		Descriptor:      *descriptor,
		PayloadSize:     size,
		PayloadChecksum: checksum,
		Created:         now,
		Updated:         now,
	}
	if !created {
		if existing, err := p.store.ReadHeader(item.TenantID, file); err == nil {
			header.Created = existing.Created
		}
	}
	if err := p.store.WriteHeader(item.TenantID, file, header); err != nil {
		return err
	}

	p.logger.Info("Входящая передача применена",
		slog.String("tenant_id", item.TenantID.String()),
		slog.String("file", file.String()),
		slog.String("sender", item.Sender.String()),
		slog.Bool("created", created),
	)
	return nil
}

// applyDelete применяет удаление ранее доставленного файла. Идемпотентно:
// отсутствие файла не является ошибкой.
func (p *InboxProcessor) applyDelete(ctx context.Context, item *model.InboxItem) error {
	req := deletePayload{}
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return discardf("битый запрос удаления: %v", err)
	}
	gtid := model.GlobalTransitID(req.GlobalTransitID)

	rec, err := p.driveFiles.GetByGlobalTransitID(ctx, item.TenantID, item.DriveID, gtid)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}

	// Удалять чужие файлы может только их отправитель.
	if rec.Sender != item.Sender {
		return discardf("хост %s не является отправителем файла", item.Sender)
	}

	if _, err := p.driveFiles.DeleteByGlobalTransitID(ctx, item.TenantID, item.DriveID, gtid); err != nil {
		return err
	}
	file := model.InternalFileID{DriveID: item.DriveID, FileID: rec.FileID}
	if err := p.store.Delete(item.TenantID, file); err != nil {
		return err
	}

	p.logger.Info("Файл удалён по запросу отправителя",
		slog.String("tenant_id", item.TenantID.String()),
		slog.String("file", file.String()),
		slog.String("sender", item.Sender.String()),
	)
	return nil
}
