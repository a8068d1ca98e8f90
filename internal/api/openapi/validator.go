// Пакет openapi — валидация perimeter-запросов по встроенному
// OpenAPI контракту. Контракт фиксирует форму wire-протокола;
// запросы, не проходящие схему, отклоняются до бизнес-логики.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/bigkaa/identhost/internal/api/errors"
)

//go:embed perimeter.yaml
var perimeterSpec []byte

// Validator — валидатор HTTP-запросов по OpenAPI контракту.
type Validator struct {
	router routers.Router
}

// NewValidator загружает встроенный контракт и строит маршрутизатор.
func NewValidator() (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(perimeterSpec)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI контракта: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("проверка OpenAPI контракта: %w", err)
	}

	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("сборка OpenAPI маршрутизатора: %w", err)
	}
	return &Validator{router: router}, nil
}

// Middleware возвращает HTTP middleware, проверяющий запрос по контракту.
// Применяется только к perimeter-маршрутам: путь вне контракта — 404.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
					apierrors.NotFound(w, "Неизвестный perimeter-маршрут")
					return
				}
				apierrors.InternalError(w, "Ошибка маршрутизации контракта")
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					// Аутентификация выполняется отдельным middleware
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
				var reqErr *openapi3filter.RequestError
				if errors.As(err, &reqErr) {
					apierrors.ValidationError(w, "Запрос не соответствует контракту: "+reqErr.Error())
					return
				}
				apierrors.ValidationError(w, "Запрос не соответствует контракту")
				return
			}

			// ValidateRequest перечитал тело и восстановил r.Body
			next.ServeHTTP(w, r)
		})
	}
}
