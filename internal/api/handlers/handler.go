// handler.go — APIHandler собирает доменные handlers и регистрирует
// маршруты perimeter/owner/app поверхностей.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler — единая точка регистрации маршрутов HTTP API.
type APIHandler struct {
	perimeter *PerimeterHandler
	owner     *OwnerHandler
	apps      *AppsHandler
	health    *HealthHandler

	// tenantMW — определение арендатора по Host (все /api/v1 маршруты)
	tenantMW func(http.Handler) http.Handler
	// connAuthMW — проверка connection-токена (авторизованные perimeter-вызовы)
	connAuthMW func(http.Handler) http.Handler
	// contractMW — валидация perimeter-запросов по OpenAPI контракту
	contractMW func(http.Handler) http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	perimeter *PerimeterHandler,
	owner *OwnerHandler,
	apps *AppsHandler,
	health *HealthHandler,
	tenantMW func(http.Handler) http.Handler,
	connAuthMW func(http.Handler) http.Handler,
	contractMW func(http.Handler) http.Handler,
) *APIHandler {
	return &APIHandler{
		perimeter:  perimeter,
		owner:      owner,
		apps:       apps,
		health:     health,
		tenantMW:   tenantMW,
		connAuthMW: connAuthMW,
		contractMW: contractMW,
	}
}

// Routes регистрирует все маршруты на роутере.
func (h *APIHandler) Routes(r chi.Router) {
	// Служебные endpoints — без определения арендатора
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.tenantMW)

		// Межхостовый perimeter-протокол
		r.Route("/perimeter/transit", func(r chi.Router) {
			// Публичный ключ отдаётся без аутентификации: он нужен
			// отправителю до установления доверительного контекста
			r.Get("/encryption/publickey", h.perimeter.GetPublicKey)

			r.Group(func(r chi.Router) {
				r.Use(h.connAuthMW)
				if h.contractMW != nil {
					r.Use(h.contractMW)
				}
				r.Post("/host/filemetadata", h.perimeter.ReceiveFileMetadata)
				r.Post("/host/deletelinkedfile", h.perimeter.ReceiveDelete)
			})
		})

		// Owner API — отправка, соединения, drive'ы
		r.Route("/owner", func(r chi.Router) {
			r.Post("/transit/files/send", h.owner.SendFile)
			r.Post("/transit/files/delete", h.owner.DeleteFromRecipients)
			r.Get("/transit/outbox/status", h.owner.OutboxStatus)
			r.Get("/transit/outbox/history", h.owner.OutboxHistory)
			r.Post("/transit/outbox/processor", h.owner.KickOutbox)

			r.Get("/connections", h.owner.ListConnections)
			r.Post("/connections", h.owner.EstablishConnection)
			r.Post("/connections/token", h.owner.ImportConnectionToken)
			r.Post("/connections/block", h.owner.BlockConnection)
			r.Post("/connections/grants", h.owner.GrantDriveWrite)

			r.Get("/jobs/status", h.owner.JobStatus)

			r.Post("/drives", h.owner.CreateDrive)
			r.Post("/drive/files", h.owner.UploadFile)
			r.Get("/drive/files", h.owner.DownloadFile)

			r.Get("/jwks", h.owner.JWKS)
		})

		// App API — очередь inbox
		r.Route("/apps/transit/inbox", func(r chi.Router) {
			r.Get("/", h.apps.ListInbox)
			r.Get("/status", h.apps.InboxStatus)
			r.Delete("/item", h.apps.RemoveInboxItem)
			r.Post("/processor", h.apps.KickInbox)
		})
	})
}
