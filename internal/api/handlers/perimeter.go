// perimeter.go — обработчики межхостового perimeter API.
// Приём дешёвый: проверка формы, прав и CRC ключа, постановка в inbox.
// Ответы используют плоский формат {"code","message"} — его разбирает
// peer-клиент отправителя при классификации результата доставки.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/identhost/internal/api/errors"
	"github.com/bigkaa/identhost/internal/api/middleware"
	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/peerclient"
	"github.com/bigkaa/identhost/internal/transit"
)

// PerimeterHandler реализует perimeter endpoints межхостового протокола.
type PerimeterHandler struct {
	inbox  *transit.InboxService
	keySvc *keys.Service
	logger *slog.Logger
}

// NewPerimeterHandler создаёт обработчик perimeter API.
func NewPerimeterHandler(inbox *transit.InboxService, keySvc *keys.Service, logger *slog.Logger) *PerimeterHandler {
	return &PerimeterHandler{
		inbox:  inbox,
		keySvc: keySvc,
		logger: logger.With(slog.String("component", "perimeter_api")),
	}
}

// GetPublicKey обрабатывает GET /api/v1/perimeter/transit/encryption/publickey.
// Без аутентификации: публичный ключ нужен отправителю до установления
// аутентифицированного контекста.
func (h *PerimeterHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	info, err := h.keySvc.PublicKeyInfo(r.Context(), tenant.TenantID)
	if err != nil {
		h.logger.Error("Ошибка получения публичного ключа",
			slog.String("host", tenant.HostID.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка получения публичного ключа")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// ReceiveFileMetadata обрабатывает POST /api/v1/perimeter/transit/host/filemetadata.
// Конверт под неизвестный CRC отклоняется сразу — отправитель по коду
// invalid_public_key_crc сбрасывает кэш ключа и заворачивает заново.
func (h *PerimeterHandler) ReceiveFileMetadata(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	sender := middleware.SenderFromContext(r.Context())
	if tenant == nil || sender == "" {
		apierrors.InternalError(w, "Контекст запроса не инициализирован")
		return
	}

	var env model.TransferEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		apierrors.MalformedEnvelope(w, "Некорректный JSON конверта")
		return
	}

	known, err := h.keySvc.HasKeyForCRC(r.Context(), tenant.TenantID, env.InstructionSet.PublicKeyCRC)
	if err != nil {
		apierrors.InternalError(w, "Ошибка проверки ключа")
		return
	}
	if !known {
		h.logger.Warn("Конверт под неизвестный CRC ключа",
			slog.String("sender", sender.String()),
			slog.Uint64("crc", uint64(env.InstructionSet.PublicKeyCRC)),
		)
		apierrors.InvalidPublicKeyCRC(w, "Ключ с указанным CRC неизвестен хосту")
		return
	}

	if err := h.inbox.ReceiveFileMetadata(r.Context(), tenant, sender, &env); err != nil {
		h.writeReceiveError(w, tenant, sender, err)
		return
	}

	apierrors.WriteAccepted(w)
}

// ReceiveDelete обрабатывает POST /api/v1/perimeter/transit/host/deletelinkedfile.
// Удаление проходит через ту же очередь inbox, что и передачи, —
// порядок применения внутри drive сохраняется.
func (h *PerimeterHandler) ReceiveDelete(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	sender := middleware.SenderFromContext(r.Context())
	if tenant == nil || sender == "" {
		apierrors.InternalError(w, "Контекст запроса не инициализирован")
		return
	}

	var req peerclient.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON запроса удаления")
		return
	}

	err := h.inbox.ReceiveDelete(r.Context(), tenant, sender, req.TargetDrive, req.GlobalTransitID)
	if err != nil {
		h.writeReceiveError(w, tenant, sender, err)
		return
	}

	apierrors.WriteAccepted(w)
}

// writeReceiveError классифицирует ошибку приёма в HTTP-ответ.
func (h *PerimeterHandler) writeReceiveError(w http.ResponseWriter, tenant *model.Tenant, sender model.HostID, err error) {
	switch {
	case errors.Is(err, transit.ErrMalformedEnvelope):
		apierrors.MalformedEnvelope(w, err.Error())
	case errors.Is(err, transit.ErrUnknownTargetDrive):
		apierrors.UnknownTargetDrive(w, err.Error())
	case errors.Is(err, circle.ErrNotAuthorized):
		apierrors.Forbidden(w, "Отправитель не имеет права записи в drive")
	case errors.Is(err, circle.ErrNotConnected):
		apierrors.NotConnected(w, "Соединение с отправителем не установлено")
	default:
		h.logger.Error("Ошибка приёма передачи",
			slog.String("host", tenant.HostID.String()),
			slog.String("sender", sender.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка приёма передачи")
	}
}

// writeJSON сериализует успешный ответ.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
