// owner.go — owner API: отправка файлов, управление соединениями,
// drive'ами и диагностика outbox. Поверхность доступна только владельцу
// identity — доступ ограничивается на уровне развёртывания (gateway).
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/identhost/internal/api/errors"
	"github.com/bigkaa/identhost/internal/api/middleware"
	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/drive"
	"github.com/bigkaa/identhost/internal/jobs"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/transit"
)

// OwnerHandler реализует owner endpoints.
type OwnerHandler struct {
	outbox      *transit.OutboxService
	processor   *transit.OutboxProcessor
	auth        *circle.Authorizer
	connections repository.ConnectionRepository
	drives      repository.DriveRepository
	ingestor    *drive.Ingestor
	keySvc      *keys.Service
	scheduler   *jobs.Scheduler
	tokenTTL    time.Duration
	logger      *slog.Logger
}

// NewOwnerHandler создаёт обработчик owner API.
func NewOwnerHandler(
	outbox *transit.OutboxService,
	processor *transit.OutboxProcessor,
	auth *circle.Authorizer,
	connections repository.ConnectionRepository,
	drives repository.DriveRepository,
	ingestor *drive.Ingestor,
	keySvc *keys.Service,
	scheduler *jobs.Scheduler,
	tokenTTL time.Duration,
	logger *slog.Logger,
) *OwnerHandler {
	return &OwnerHandler{
		outbox:      outbox,
		processor:   processor,
		auth:        auth,
		connections: connections,
		drives:      drives,
		ingestor:    ingestor,
		keySvc:      keySvc,
		scheduler:   scheduler,
		tokenTTL:    tokenTTL,
		logger:      logger.With(slog.String("component", "owner_api")),
	}
}

// --- Передачи ---

// SendFile обрабатывает POST /api/v1/owner/transit/files/send.
func (h *OwnerHandler) SendFile(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req transit.SendFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON запроса отправки")
		return
	}
	if !req.File.IsValid() {
		apierrors.ValidationError(w, "Не указан файл")
		return
	}

	result, err := h.outbox.SendFile(r.Context(), tenant, &req)
	if err != nil {
		switch {
		case errors.Is(err, transit.ErrNoRecipients), errors.Is(err, transit.ErrSyncSingleRecipient):
			apierrors.ValidationError(w, err.Error())
		case errors.Is(err, circle.ErrNotConnected):
			apierrors.NotConnected(w, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			apierrors.NotFound(w, "Файл не найден")
		default:
			h.logger.Error("Ошибка отправки файла",
				slog.String("file", req.File.String()),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Ошибка отправки файла")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// deleteFromRecipientsRequest — тело запроса удаления у получателей.
type deleteFromRecipientsRequest struct {
	TargetDrive     model.TargetDrive     `json:"target_drive"`
	GlobalTransitID model.GlobalTransitID `json:"global_transit_id"`
	Recipients      []model.HostID        `json:"recipients"`
}

// DeleteFromRecipients обрабатывает POST /api/v1/owner/transit/files/delete.
// Запрашивает у получателей удаление ранее доставленного файла.
func (h *OwnerHandler) DeleteFromRecipients(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req deleteFromRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON запроса удаления")
		return
	}
	if uuid.UUID(req.GlobalTransitID) == uuid.Nil {
		apierrors.ValidationError(w, "Не указан global transit id")
		return
	}

	statuses, err := h.outbox.DeleteFromRecipients(r.Context(), tenant, req.TargetDrive, req.GlobalTransitID, req.Recipients)
	if err != nil {
		if errors.Is(err, transit.ErrNoRecipients) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		apierrors.InternalError(w, "Ошибка запроса удаления")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"recipient_status": statuses})
}

// OutboxStatus обрабатывает GET /api/v1/owner/transit/outbox/status.
func (h *OwnerHandler) OutboxStatus(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	status, err := h.outbox.Status(r.Context(), tenant.TenantID)
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения состояния outbox")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// OutboxHistory обрабатывает GET /api/v1/owner/transit/outbox/history?drive_id=&file_id=.
// Возвращает историю попыток завершённых передач файла.
func (h *OwnerHandler) OutboxHistory(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	file, ok := fileFromQuery(w, r)
	if !ok {
		return
	}

	attempts, err := h.outbox.History(r.Context(), tenant.TenantID, file)
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения истории передач")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// KickOutbox обрабатывает POST /api/v1/owner/transit/outbox/processor.
// Будит процессор без ожидания периодического тика.
func (h *OwnerHandler) KickOutbox(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	h.processor.Kick(tenant)
	w.WriteHeader(http.StatusAccepted)
}

// JobStatus обрабатывает GET /api/v1/owner/jobs/status?key=.
// Возвращает результат последнего завершённого запуска фоновой задачи —
// клиентский сценарий «запустил, зайди позже». Владельцу видны только
// задачи собственного арендатора: ключ обязан нести его идентификатор.
func (h *OwnerHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		apierrors.ValidationError(w, "Не указан key задачи")
		return
	}
	if !strings.Contains(key, tenant.TenantID.String()) {
		apierrors.NotFound(w, "Задача не найдена")
		return
	}

	result, ok := h.scheduler.Result(key)
	if !ok {
		apierrors.NotFound(w, "Задача не найдена")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Соединения ---

// connectionRequest — тело запросов управления соединением.
type connectionRequest struct {
	Host model.HostID `json:"host"`
}

// EstablishConnection обрабатывает POST /api/v1/owner/connections.
// Регистрирует соединение и выпускает connection-токен для удалённого
// хоста. Токен возвращается владельцу: он передаётся peer'у по
// внешнему каналу и предъявляется peer'ом на входящих доставках.
func (h *OwnerHandler) EstablishConnection(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		apierrors.ValidationError(w, "Не указан удалённый хост")
		return
	}

	conn, issued, err := h.auth.Establish(r.Context(), tenant.TenantID, tenant.HostID, req.Host, h.tokenTTL)
	if err != nil {
		h.logger.Error("Ошибка установки соединения",
			slog.String("peer", req.Host.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка установки соединения")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"host":              conn.RemoteHost,
		"status":            conn.Status,
		"peer_access_token": issued,
	})
}

// importTokenRequest — тело запроса импорта токена получателя.
type importTokenRequest struct {
	Host  model.HostID `json:"host"`
	Token string       `json:"token"`
}

// ImportConnectionToken обрабатывает POST /api/v1/owner/connections/token.
// Сохраняет connection-токен, выпущенный удалённым хостом: именно он
// предъявляется получателю на исходящих доставках.
func (h *OwnerHandler) ImportConnectionToken(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req importTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" || req.Token == "" {
		apierrors.ValidationError(w, "Требуются host и token")
		return
	}

	if err := h.auth.ImportPeerToken(r.Context(), tenant.TenantID, req.Host, req.Token); err != nil {
		if errors.Is(err, circle.ErrNotConnected) {
			apierrors.NotConnected(w, err.Error())
			return
		}
		h.logger.Error("Ошибка импорта connection-токена",
			slog.String("peer", req.Host.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка импорта токена")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockConnection обрабатывает POST /api/v1/owner/connections/block.
func (h *OwnerHandler) BlockConnection(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		apierrors.ValidationError(w, "Не указан удалённый хост")
		return
	}

	if err := h.connections.SetStatus(r.Context(), tenant.TenantID, req.Host, model.ConnectionStatusBlocked); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Соединение не найдено")
			return
		}
		apierrors.InternalError(w, "Ошибка блокировки соединения")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// grantRequest — тело запроса гранта записи в drive.
type grantRequest struct {
	Host    model.HostID `json:"host"`
	DriveID uuid.UUID    `json:"drive_id"`
}

// GrantDriveWrite обрабатывает POST /api/v1/owner/connections/grants.
// Выдаёт удалённому хосту право записи в drive.
func (h *OwnerHandler) GrantDriveWrite(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" || req.DriveID == uuid.Nil {
		apierrors.ValidationError(w, "Требуются host и drive_id")
		return
	}

	if err := h.connections.GrantDriveWrite(r.Context(), tenant.TenantID, req.Host, model.DriveID(req.DriveID)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Соединение не найдено")
			return
		}
		apierrors.InternalError(w, "Ошибка выдачи гранта")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConnections обрабатывает GET /api/v1/owner/connections.
func (h *OwnerHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	conns, err := h.connections.ListConnected(r.Context(), tenant.TenantID)
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения соединений")
		return
	}

	type connView struct {
		Host      model.HostID           `json:"host"`
		Status    model.ConnectionStatus `json:"status"`
		CreatedAt time.Time              `json:"created_at"`
	}
	views := make([]connView, 0, len(conns))
	for _, c := range conns {
		views = append(views, connView{Host: c.RemoteHost, Status: c.Status, CreatedAt: c.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views})
}

// --- Drives и файлы ---

// createDriveRequest — тело запроса создания drive.
type createDriveRequest struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
	Name  string    `json:"name"`
}

// CreateDrive обрабатывает POST /api/v1/owner/drives.
func (h *OwnerHandler) CreateDrive(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	var req createDriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Alias == uuid.Nil || req.Type == uuid.Nil {
		apierrors.ValidationError(w, "Требуются alias и type")
		return
	}

	d := &model.Drive{
		TenantID:    tenant.TenantID,
		DriveID:     model.DriveID(uuid.New()),
		TargetDrive: model.TargetDrive{Alias: req.Alias, Type: req.Type},
		Name:        req.Name,
	}
	if err := h.drives.Create(r.Context(), d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			apierrors.ValidationError(w, "Drive с таким alias уже существует")
			return
		}
		apierrors.InternalError(w, "Ошибка создания drive")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"drive_id": d.DriveID})
}

// UploadFile обрабатывает POST /api/v1/owner/drive/files?drive_id=.
// Тело запроса — содержимое файла; MIME-тип берётся из Content-Type.
func (h *OwnerHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	driveID, err := uuid.Parse(r.URL.Query().Get("drive_id"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный drive_id")
		return
	}

	descriptor := model.FileMetadataDescriptor{
		ContentType: r.Header.Get("Content-Type"),
		JSONContent: r.URL.Query().Get("json_content"),
	}

	file, err := h.ingestor.Ingest(r.Context(), tenant.TenantID, model.DriveID(driveID), descriptor, r.Body)
	if err != nil {
		h.logger.Error("Ошибка приёма файла",
			slog.String("drive", driveID.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка приёма файла")
		return
	}

	writeJSON(w, http.StatusCreated, file)
}

// DownloadFile обрабатывает GET /api/v1/owner/drive/files?drive_id=&file_id=.
// Возвращает расшифрованное содержимое файла владельцу.
func (h *OwnerHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	file, ok := fileFromQuery(w, r)
	if !ok {
		return
	}

	descriptor, plaintext, err := h.ingestor.Fetch(r.Context(), tenant.TenantID, file)
	if err != nil {
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	if descriptor.ContentType != "" {
		w.Header().Set("Content-Type", descriptor.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plaintext)
}

// JWKS обрабатывает GET /api/v1/owner/jwks — публичный набор ключей
// арендатора (диагностика, внешние клиенты).
func (h *OwnerHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	raw, err := h.keySvc.JWKSJSON(r.Context(), tenant.TenantID)
	if err != nil {
		apierrors.InternalError(w, "Ошибка сборки JWKS")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// fileFromQuery разбирает адрес файла из query-строки (drive_id, file_id).
func fileFromQuery(w http.ResponseWriter, r *http.Request) (model.InternalFileID, bool) {
	driveID, err := uuid.Parse(r.URL.Query().Get("drive_id"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный drive_id")
		return model.InternalFileID{}, false
	}
	fileID, err := uuid.Parse(r.URL.Query().Get("file_id"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный file_id")
		return model.InternalFileID{}, false
	}
	return model.InternalFileID{DriveID: model.DriveID(driveID), FileID: model.FileID(fileID)}, true
}
