// apps.go — app API: диагностика и обслуживание очереди inbox.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/identhost/internal/api/errors"
	"github.com/bigkaa/identhost/internal/api/middleware"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/transit"
)

// AppsHandler реализует app endpoints очереди inbox.
type AppsHandler struct {
	inbox  *transit.InboxService
	logger *slog.Logger
}

// NewAppsHandler создаёт обработчик app API.
func NewAppsHandler(inbox *transit.InboxService, logger *slog.Logger) *AppsHandler {
	return &AppsHandler{
		inbox:  inbox,
		logger: logger.With(slog.String("component", "apps_api")),
	}
}

// ListInbox обрабатывает GET /api/v1/apps/transit/inbox.
// Возвращает элементы очереди арендатора без payload (диагностика).
func (h *AppsHandler) ListInbox(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	items, err := h.inbox.List(r.Context(), tenant.TenantID)
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения очереди inbox")
		return
	}

	type itemView struct {
		ID         uuid.UUID           `json:"id"`
		DriveID    model.DriveID       `json:"drive_id"`
		Sender     model.HostID        `json:"sender"`
		Type       model.InboxItemType `json:"type"`
		Priority   int                 `json:"priority"`
		ReceivedAt time.Time           `json:"received_at"`
		Reserved   bool                `json:"reserved"`
	}
	views := make([]itemView, 0, len(items))
	for _, it := range items {
		views = append(views, itemView{
			ID:         it.ID,
			DriveID:    it.DriveID,
			Sender:     it.Sender,
			Type:       it.Type,
			Priority:   it.Priority,
			ReceivedAt: it.ReceivedAt.UTC(),
			Reserved:   it.Marker != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

// InboxStatus обрабатывает GET /api/v1/apps/transit/inbox/status?drive_id=.
func (h *AppsHandler) InboxStatus(w http.ResponseWriter, r *http.Request) {
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

	status, err := h.inbox.Status(r.Context(), tenant.TenantID, model.DriveID(driveID))
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения состояния inbox")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// RemoveInboxItem обрабатывает DELETE /api/v1/apps/transit/inbox/item?id=.
// Принудительно снимает элемент с очереди (stuck item).
func (h *AppsHandler) RemoveInboxItem(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		apierrors.InternalError(w, "Арендатор не определён")
		return
	}

	itemID, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		apierrors.ValidationError(w, "Некорректный id элемента")
		return
	}

	if err := h.inbox.Remove(r.Context(), tenant.TenantID, itemID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "Элемент не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка удаления элемента")
		return
	}

	h.logger.Info("Элемент inbox снят вручную",
		slog.String("item_id", itemID.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// KickInbox обрабатывает POST /api/v1/apps/transit/inbox/processor?drive_id=.
// Будит процессор inbox для drive без ожидания периодического тика.
func (h *AppsHandler) KickInbox(w http.ResponseWriter, r *http.Request) {
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

	h.inbox.Kick(tenant, model.DriveID(driveID))
	w.WriteHeader(http.StatusAccepted)
}
