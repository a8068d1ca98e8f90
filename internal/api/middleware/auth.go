// auth.go — middleware аутентификации perimeter-вызовов.
// Арендатор определяется по заголовку Host (один процесс обслуживает
// много identity). Входящие peer-вызовы несут connection-токен —
// RS256 JWT, выпущенный этим же хостом при установке соединения;
// подпись проверяется по собственному набору ключей арендатора.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/identhost/internal/api/errors"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/repository"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyTenant — ключ арендатора в контексте запроса.
	ContextKeyTenant contextKey = "tenant"
	// ContextKeySender — ключ хоста-отправителя из connection-токена.
	ContextKeySender contextKey = "sender"
)

// TenantResolver — middleware определения арендатора по заголовку Host.
type TenantResolver struct {
	tenants repository.TenantRepository
	logger  *slog.Logger
}

// NewTenantResolver создаёт middleware определения арендатора.
func NewTenantResolver(tenants repository.TenantRepository, logger *slog.Logger) *TenantResolver {
	return &TenantResolver{
		tenants: tenants,
		logger:  logger.With(slog.String("component", "tenant_resolver")),
	}
}

// Middleware возвращает HTTP middleware, помещающий арендатора
// в контекст запроса. Неизвестный Host — 404: процесс не обслуживает
// этот identity.
func (t *TenantResolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := requestHost(r)
			if host == "" {
				apierrors.ValidationError(w, "Отсутствует заголовок Host")
				return
			}

			tenant, err := t.tenants.GetByHostID(r.Context(), model.HostID(host))
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					t.logger.Debug("Запрос к необслуживаемому identity",
						slog.String("host", host),
					)
					apierrors.NotFound(w, "Identity не обслуживается этим хостом: "+host)
					return
				}
				t.logger.Error("Ошибка поиска арендатора",
					slog.String("host", host),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Ошибка определения арендатора")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyTenant, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestHost возвращает имя хоста запроса без порта.
func requestHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// TenantFromContext извлекает арендатора из контекста запроса.
// Возвращает nil, если TenantResolver не применялся.
func TenantFromContext(ctx context.Context) *model.Tenant {
	tenant, _ := ctx.Value(ContextKeyTenant).(*model.Tenant)
	return tenant
}

// ConnectionAuth — middleware проверки connection-токенов peer-вызовов.
// Токен выпускается локальным арендатором при установке соединения
// (iss/aud = локальный хост, sub = удалённый peer) и проверяется
// по собственному JWKS арендатора — все ключи в окне валидности,
// поэтому ротация не обесценивает выданные ранее токены.
type ConnectionAuth struct {
	keySvc    *keys.Service
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// NewConnectionAuth создаёт middleware проверки connection-токенов.
func NewConnectionAuth(keySvc *keys.Service, jwtLeeway time.Duration, logger *slog.Logger) *ConnectionAuth {
	return &ConnectionAuth{
		keySvc:    keySvc,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "connection_auth")),
	}
}

// Middleware возвращает HTTP middleware аутентификации peer-вызова.
// Должен применяться ПОСЛЕ TenantResolver.Middleware().
// Помещает хост-отправитель (sub токена) в контекст запроса.
func (a *ConnectionAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := TenantFromContext(r.Context())
			if tenant == nil {
				apierrors.InternalError(w, "Арендатор не определён")
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				apierrors.Unauthorized(w, "Требуется Bearer connection-токен")
				return
			}

			// JWKS арендатора собирается из репозитория на каждый запрос:
			// набор ключей мал, а свежесть после ротации важнее экономии
			// одного SELECT.
			kf, err := a.keySvc.Keyfunc(r.Context(), tenant.TenantID)
			if err != nil {
				a.logger.Error("Ошибка сборки JWKS арендатора",
					slog.String("host", tenant.HostID.String()),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Ошибка проверки токена")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, kf,
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(a.jwtLeeway),
				jwt.WithAudience(tenant.HostID.String()),
			)
			if err != nil || !token.Valid {
				a.logger.Debug("Connection-токен не прошёл проверку",
					slog.String("host", tenant.HostID.String()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный connection-токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в connection-токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySender, model.HostID(subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken извлекает Bearer token из заголовка Authorization.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SenderFromContext извлекает хост-отправитель из контекста запроса.
// Возвращает пустую строку, если ConnectionAuth не применялся.
func SenderFromContext(ctx context.Context) model.HostID {
	sender, _ := ctx.Value(ContextKeySender).(model.HostID)
	return sender
}
