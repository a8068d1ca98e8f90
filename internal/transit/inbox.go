// inbox.go — приём входящих передач на perimeter и очередь inbox.
//
// Приём дешёвый и синхронный: проверка прав отправителя, валидация
// конверта по форме и постановка в inbox. Дорогая работа (расшифровка,
// запись в drive) выполняется процессором асинхронно.
package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
)

// Prometheus метрики приёма.
var (
	inboxReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_inbox_received_total",
		Help: "Общее количество принятых входящих передач",
	})
	inboxRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_inbox_rejected_total",
		Help: "Общее количество отвергнутых входящих передач",
	})
)

// ErrUnknownTargetDrive — drive, указанный отправителем, не существует.
var ErrUnknownTargetDrive = errors.New("неизвестный target drive")

// ErrMalformedEnvelope — конверт не проходит проверку формы.
var ErrMalformedEnvelope = errors.New("некорректный конверт")

// deletePayload — сериализуемое тело inbox-элемента типа delete.
type deletePayload struct {
	GlobalTransitID uuid.UUID `json:"global_transit_id"`
}

// InboxService — приём входящих передач perimeter-endpoint'ами.
type InboxService struct {
	inbox  repository.InboxRepository
	drives repository.DriveRepository
	auth   *circle.Authorizer
	logger *slog.Logger

	processor *InboxProcessor
}

// NewInboxService создаёт сервис приёма.
func NewInboxService(
	inbox repository.InboxRepository,
	drives repository.DriveRepository,
	auth *circle.Authorizer,
	logger *slog.Logger,
) *InboxService {
	return &InboxService{
		inbox:  inbox,
		drives: drives,
		auth:   auth,
		logger: logger.With(slog.String("component", "inbox")),
	}
}

// BindProcessor связывает сервис с процессором применения.
// Вызывается один раз при сборке приложения.
func (s *InboxService) BindProcessor(p *InboxProcessor) {
	s.processor = p
}

// ReceiveFileMetadata принимает конверт от удалённого хоста: проверяет
// право отправителя на запись в целевой drive и ставит конверт в inbox.
// Содержимое на этом этапе не расшифровывается.
func (s *InboxService) ReceiveFileMetadata(ctx context.Context, tenant *model.Tenant, sender model.HostID, env *model.TransferEnvelope) error {
	if err := validateEnvelope(env); err != nil {
		inboxRejectedTotal.Inc()
		return err
	}

	driveID, err := s.resolveDrive(ctx, tenant.TenantID, env.InstructionSet.TargetDrive)
	if err != nil {
		inboxRejectedTotal.Inc()
		return err
	}
	if err := s.auth.AssertCanWriteToDrive(ctx, tenant.TenantID, sender, driveID); err != nil {
		inboxRejectedTotal.Inc()
		return err
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("сериализация конверта: %w", err)
	}

	priority := priorityNormal
	if env.InstructionSet.TransferType == model.TransferTypeFeed {
		priority = priorityFeed
	}

	item := &model.InboxItem{
		TenantID: tenant.TenantID,
		DriveID:  driveID,
		FileID:   model.FileID(uuid.New()),
		Sender:   sender,
		Type:     model.InboxItemTypeFile,
		Priority: priority,
		Payload:  payload,
	}
	if err := s.inbox.Add(ctx, item); err != nil {
		return err
	}

	inboxReceivedTotal.Inc()
	s.logger.Info("Входящая передача принята в inbox",
		slog.String("tenant_id", tenant.TenantID.String()),
		slog.String("sender", sender.String()),
		slog.String("drive_id", driveID.String()),
		slog.String("global_transit_id", uuid.UUID(env.InstructionSet.GlobalTransitID).String()),
	)

	s.processor.Kick(tenant, driveID)
	return nil
}

// ReceiveDelete принимает запрос удаления ранее доставленного файла.
// Удаление идёт через ту же очередь, что и передачи: порядок
// доставки и удаления одного файла сохраняется.
func (s *InboxService) ReceiveDelete(ctx context.Context, tenant *model.Tenant, sender model.HostID, target model.TargetDrive, gtid uuid.UUID) error {
	if gtid == uuid.Nil {
		inboxRejectedTotal.Inc()
		return fmt.Errorf("%w: пустой global transit id", ErrMalformedEnvelope)
	}

	driveID, err := s.resolveDrive(ctx, tenant.TenantID, target)
	if err != nil {
		inboxRejectedTotal.Inc()
		return err
	}
	if err := s.auth.AssertCanWriteToDrive(ctx, tenant.TenantID, sender, driveID); err != nil {
		inboxRejectedTotal.Inc()
		return err
	}

	payload, err := json.Marshal(deletePayload{GlobalTransitID: gtid})
	if err != nil {
		return fmt.Errorf("сериализация запроса удаления: %w", err)
	}

	item := &model.InboxItem{
		TenantID: tenant.TenantID,
		DriveID:  driveID,
		FileID:   model.FileID(uuid.New()),
		Sender:   sender,
		Type:     model.InboxItemTypeDelete,
		Priority: priorityNormal,
		Payload:  payload,
	}
	if err := s.inbox.Add(ctx, item); err != nil {
		return err
	}

	inboxReceivedTotal.Inc()
	s.processor.Kick(tenant, driveID)
	return nil
}

// Status возвращает диагностику очереди inbox одного drive.
func (s *InboxService) Status(ctx context.Context, tenantID model.TenantID, driveID model.DriveID) (*model.InboxStatus, error) {
	return s.inbox.PendingCount(ctx, tenantID, driveID)
}

// List возвращает содержимое очереди арендатора (owner-диагностика).
func (s *InboxService) List(ctx context.Context, tenantID model.TenantID) ([]*model.InboxItem, error) {
	return s.inbox.List(ctx, tenantID)
}

// Remove принудительно удаляет элемент очереди (owner-операция).
func (s *InboxService) Remove(ctx context.Context, tenantID model.TenantID, itemID uuid.UUID) error {
	return s.inbox.Remove(ctx, tenantID, itemID)
}

// Kick будит процессор применения для drive (owner-операция
// и вызов после восстановления).
func (s *InboxService) Kick(tenant *model.Tenant, driveID model.DriveID) {
	s.processor.Kick(tenant, driveID)
}

// resolveDrive переводит клиентский дескриптор drive в локальный id.
func (s *InboxService) resolveDrive(ctx context.Context, tenantID model.TenantID, target model.TargetDrive) (model.DriveID, error) {
	driveID, err := s.drives.ResolveTargetDrive(ctx, tenantID, target)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.DriveID(uuid.Nil), fmt.Errorf("%w: alias %s", ErrUnknownTargetDrive, target.Alias)
		}
		return model.DriveID(uuid.Nil), err
	}
	return driveID, nil
}

// validateEnvelope проверяет форму конверта до постановки в очередь.
func validateEnvelope(env *model.TransferEnvelope) error {
	switch {
	case uuid.UUID(env.InstructionSet.GlobalTransitID) == uuid.Nil:
		return fmt.Errorf("%w: пустой global transit id", ErrMalformedEnvelope)
	case len(env.InstructionSet.EncryptedKeyHeader) == 0:
		return fmt.Errorf("%w: отсутствует ключевой заголовок", ErrMalformedEnvelope)
	case env.InstructionSet.PublicKeyCRC == 0:
		return fmt.Errorf("%w: отсутствует CRC публичного ключа", ErrMalformedEnvelope)
	case len(env.Metadata) == 0:
		return fmt.Errorf("%w: отсутствуют метаданные", ErrMalformedEnvelope)
	}
	return nil
}
