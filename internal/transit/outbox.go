// Пакет transit — ядро подсистемы передачи: постановка исходящих
// передач в outbox, доставка получателям, приём и применение входящих.
package transit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/drive"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/peerclient"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/transit/envelope"
)

// Приоритеты очереди: меньше = срочнее. Обычные передачи обгоняют
// fan-out ленты.
const (
	priorityNormal = 100
	priorityFeed   = 1000
)

// ErrNoRecipients — запрос отправки без получателей.
var ErrNoRecipients = errors.New("не указаны получатели")

// ErrSyncSingleRecipient — синхронный режим допускает одного получателя.
var ErrSyncSingleRecipient = errors.New("режим now_await_response допускает ровно одного получателя")

// SendFileRequest — запрос отправки файла получателям.
type SendFileRequest struct {
	// File — локальный адрес файла на диске арендатора.
	File model.InternalFileID `json:"file"`
	// Recipients — хосты-получатели.
	Recipients []model.HostID `json:"recipients"`
	// RemoteTargetDrive — drive получателя, в который адресована передача.
	RemoteTargetDrive model.TargetDrive `json:"remote_target_drive"`
	// Options — режим и тип передачи.
	Options model.TransferOptions `json:"options"`
}

// SendFileResult — статус передачи по каждому получателю.
type SendFileResult struct {
	// GlobalTransitID — идентификатор логического файла, назначенный отправкой.
	GlobalTransitID model.GlobalTransitID `json:"global_transit_id"`
	// RecipientStatus — статус по каждому получателю.
	RecipientStatus map[model.HostID]model.TransferStatus `json:"recipient_status"`
}

// OutboxService — постановка передач в очередь и клиентские операции outbox.
type OutboxService struct {
	outbox     repository.OutboxRepository
	driveFiles repository.DriveFileRepository
	store      *drive.Store
	builder    *envelope.Builder
	auth       *circle.Authorizer
	peers      *peerclient.Client
	masterKey  []byte
	logger     *slog.Logger

	// processor дёргается после постановки, чтобы доставка начиналась
	// без ожидания периодического тика.
	processor *OutboxProcessor
}

// NewOutboxService создаёт сервис исходящих передач.
func NewOutboxService(
	outbox repository.OutboxRepository,
	driveFiles repository.DriveFileRepository,
	store *drive.Store,
	builder *envelope.Builder,
	auth *circle.Authorizer,
	peers *peerclient.Client,
	masterKey []byte,
	logger *slog.Logger,
) *OutboxService {
	return &OutboxService{
		outbox:     outbox,
		driveFiles: driveFiles,
		store:      store,
		builder:    builder,
		auth:       auth,
		peers:      peers,
		masterKey:  masterKey,
		logger:     logger.With(slog.String("component", "outbox")),
	}
}

// BindProcessor связывает сервис с процессором доставки.
// Вызывается один раз при сборке приложения.
func (s *OutboxService) BindProcessor(p *OutboxProcessor) {
	s.processor = p
}

// SendFile ставит передачи файла в outbox по одному элементу на
// получателя. Назначает файлу глобальный transit id (однажды
// назначенный — не меняется), заворачивает ключевой заголовок под
// публичный ключ каждого получателя и копирует в элемент connection-токен.
//
// В режиме now_await_response единственный элемент доставляется
// синхронно до возврата; остальные режимы возвращают queued
// и будят процессор.
func (s *OutboxService) SendFile(ctx context.Context, tenant *model.Tenant, req *SendFileRequest) (*SendFileResult, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if req.Options.SendMode == model.SendModeNowAwaitResponse && len(req.Recipients) != 1 {
		return nil, ErrSyncSingleRecipient
	}
	if req.Options.TransferType == "" {
		req.Options.TransferType = model.TransferTypeNormal
	}

	header, err := s.store.ReadHeader(tenant.TenantID, req.File)
	if err != nil {
		return nil, err
	}
	kh, err := s.contentKeyHeader(header)
	if err != nil {
		return nil, err
	}

	gtid, err := s.driveFiles.AssignGlobalTransitID(ctx, tenant.TenantID, req.File, model.GlobalTransitID(uuid.New()))
	if err != nil {
		return nil, err
	}
	isUpdate := header.GlobalTransitID != nil

	result := &SendFileResult{
		GlobalTransitID: gtid,
		RecipientStatus: make(map[model.HostID]model.TransferStatus, len(req.Recipients)),
	}

	priority := priorityNormal
	if req.Options.TransferType == model.TransferTypeFeed {
		priority = priorityFeed
	}

	for _, recipient := range req.Recipients {
		item, err := s.enqueueFor(ctx, tenant, req, recipient, kh, gtid, isUpdate, priority)
		if err != nil {
			return nil, fmt.Errorf("постановка передачи для %s: %w", recipient, err)
		}

		if req.Options.SendMode == model.SendModeNowAwaitResponse {
			result.RecipientStatus[recipient] = s.processor.DeliverNow(ctx, tenant, item)
		} else {
			result.RecipientStatus[recipient] = model.TransferStatusQueued
		}
	}

	// Глобальный transit id попадает и в локальный заголовок файла —
	// последующие отправки считаются обновлением.
	if header.GlobalTransitID == nil {
		header.GlobalTransitID = &gtid
		header.Updated = time.Now().UTC()
		if err := s.store.WriteHeader(tenant.TenantID, req.File, header); err != nil {
			s.logger.Error("Не удалось записать transit id в заголовок файла",
				slog.String("file", req.File.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if req.Options.SendMode != model.SendModeNowAwaitResponse {
		s.processor.Kick(tenant)
	}
	return result, nil
}

// enqueueFor строит и ставит элемент outbox для одного получателя.
func (s *OutboxService) enqueueFor(
	ctx context.Context,
	tenant *model.Tenant,
	req *SendFileRequest,
	recipient model.HostID,
	kh *keys.KeyHeader,
	gtid model.GlobalTransitID,
	isUpdate bool,
	priority int,
) (*model.OutboxItem, error) {
	tokenEnc, err := s.auth.EncryptedTokenFor(ctx, tenant.TenantID, recipient)
	if err != nil {
		return nil, err
	}

	is, err := s.builder.BuildInstructionSet(ctx, recipient, kh,
		req.RemoteTargetDrive, gtid, req.Options.TransferType, isUpdate)
	if err != nil {
		return nil, err
	}

	item := &model.OutboxItem{
		TenantID:                 tenant.TenantID,
		Recipient:                recipient,
		File:                     req.File,
		Priority:                 priority,
		InstructionSet:           *is,
		Options:                  req.Options,
		EncryptedClientAuthToken: tokenEnc,
	}
	if err := s.outbox.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("Передача поставлена в outbox",
		slog.String("tenant_id", tenant.TenantID.String()),
		slog.String("recipient", recipient.String()),
		slog.String("file", req.File.String()),
		slog.String("global_transit_id", uuid.UUID(gtid).String()),
		slog.Int("priority", priority),
	)
	return item, nil
}

// DeleteFromRecipients рассылает получателям запрос удаления ранее
// доставленного файла. Выполняется синхронно, по одному вызову на
// получателя; результат по каждому получателю независим.
func (s *OutboxService) DeleteFromRecipients(
	ctx context.Context,
	tenant *model.Tenant,
	target model.TargetDrive,
	gtid model.GlobalTransitID,
	recipients []model.HostID,
) (map[model.HostID]model.TransferStatus, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	statuses := make(map[model.HostID]model.TransferStatus, len(recipients))
	for _, recipient := range recipients {
		statuses[recipient] = s.deleteFromRecipient(ctx, tenant, target, gtid, recipient)
	}
	return statuses, nil
}

func (s *OutboxService) deleteFromRecipient(
	ctx context.Context,
	tenant *model.Tenant,
	target model.TargetDrive,
	gtid model.GlobalTransitID,
	recipient model.HostID,
) model.TransferStatus {
	tokenEnc, err := s.auth.EncryptedTokenFor(ctx, tenant.TenantID, recipient)
	if err != nil {
		s.logger.Warn("Удаление у получателя невозможно",
			slog.String("recipient", recipient.String()),
			slog.String("error", err.Error()),
		)
		return model.TransferStatusRejected
	}
	token, err := s.auth.DecryptToken(tokenEnc)
	if err != nil {
		return model.TransferStatusRejected
	}

	res, err := s.peers.SendDelete(ctx, recipient, token, &peerclient.DeleteRequest{
		TargetDrive:     target,
		GlobalTransitID: uuid.UUID(gtid),
	})
	switch {
	case err != nil:
		s.logger.Warn("Запрос удаления не доставлен",
			slog.String("recipient", recipient.String()),
			slog.String("error", err.Error()),
		)
		return model.TransferStatusPendingRetry
	case res.Accepted():
		return model.TransferStatusDelivered
	case res.HTTPStatus >= 500:
		return model.TransferStatusPendingRetry
	default:
		return model.TransferStatusRejected
	}
}

// Status возвращает диагностику очереди исходящих передач арендатора.
func (s *OutboxService) Status(ctx context.Context, tenantID model.TenantID) (*model.OutboxStatus, error) {
	return s.outbox.Status(ctx, tenantID)
}

// History возвращает историю попыток завершённых передач файла.
func (s *OutboxService) History(ctx context.Context, tenantID model.TenantID, file model.InternalFileID) ([]model.TransferAttempt, error) {
	return s.outbox.History(ctx, tenantID, file)
}

// contentKeyHeader расшифровывает ключевой заголовок содержимого
// из заголовка файла.
func (s *OutboxService) contentKeyHeader(header *drive.FileHeader) (*keys.KeyHeader, error) {
	combined, err := keys.OpenWithMasterKey(s.masterKey, header.KeyHeaderEnc)
	if err != nil {
		return nil, fmt.Errorf("расшифровка ключевого заголовка файла: %w", err)
	}
	return keys.KeyHeaderFromCombined(combined)
}
