// Пакет peerclient — HTTP-клиент perimeter-протокола между хостами.
// Поддерживает TLS с кастомным CA (IH_PEER_CA_CERT_PATH), передачу
// файловых конвертов, удаление по глобальному transit id и получение
// публичного ключа удалённого хоста.
package peerclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// maxErrorBodyBytes — предел чтения тела ответа при ошибке.
const maxErrorBodyBytes = 4 * 1024

// TransferResult — ответ удалённого хоста на perimeter-запрос.
// Транспортные сбои возвращаются ошибкой; HTTP-статус любого
// полученного ответа попадает сюда и классифицируется вызывающим кодом.
type TransferResult struct {
	// HTTPStatus — статус ответа удалённого хоста.
	HTTPStatus int
	// Code — машинный код результата из тела ответа (accepted, rejected...).
	Code string
	// Message — человекочитаемое описание (для журнала попыток).
	Message string
}

// Accepted сообщает, принял ли удалённый хост доставку.
func (r *TransferResult) Accepted() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// DeleteRequest — запрос на удаление файла, ранее доставленного получателю.
type DeleteRequest struct {
	TargetDrive     model.TargetDrive `json:"targetDrive"`
	GlobalTransitID uuid.UUID         `json:"globalTransitId"`
}

// Client — HTTP-клиент для вызовов perimeter API удалённых хостов.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт peer-клиент.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут HTTP-запросов (из конфигурации IH_PEER_TIMEOUT).
func New(caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		// Настройка пула idle-соединений для эффективного переиспользования
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата peer: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат peer добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "peer_client")),
	}, nil
}

// SendFileMetadata передаёт конверт файла на удалённый хост.
//
// host — идентификатор хоста получателя (например, bob.example.com).
// token — connection-токен, выданный получателем при установке соединения.
//
// Формат запроса: POST https://{host}/api/v1/perimeter/transit/host/filemetadata
// Ошибка возвращается только при транспортном сбое; полученный HTTP-ответ
// любого статуса возвращается в TransferResult.
func (c *Client) SendFileMetadata(ctx context.Context, host model.HostID, token string, envelope *model.TransferEnvelope) (*TransferResult, error) {
	return c.post(ctx, host, token, "/api/v1/perimeter/transit/host/filemetadata", envelope)
}

// SendDelete запрашивает удаление файла по глобальному transit id.
func (c *Client) SendDelete(ctx context.Context, host model.HostID, token string, req *DeleteRequest) (*TransferResult, error) {
	return c.post(ctx, host, token, "/api/v1/perimeter/transit/host/deletelinkedfile", req)
}

// GetPublicKey запрашивает действующий публичный ключ удалённого хоста.
// Endpoint не требует авторизации: публичный ключ нужен до установления
// аутентифицированного контекста.
func (c *Client) GetPublicKey(ctx context.Context, host model.HostID) (*model.PublicKeyInfo, error) {
	reqURL := baseURL(host) + "/api/v1/perimeter/transit/encryption/publickey"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса GetPublicKey: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: хост из реестра соединений
	if err != nil {
		return nil, fmt.Errorf("запрос GetPublicKey к %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, fmt.Errorf("хост %s вернул %d на GetPublicKey: %s", host, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info model.PublicKeyInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("декодирование публичного ключа %s: %w", host, err)
	}
	return &info, nil
}

// post выполняет авторизованный POST с JSON-телом на perimeter endpoint.
func (c *Client) post(ctx context.Context, host model.HostID, token, path string, payload any) (*TransferResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(host)+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: хост из реестра соединений
	if err != nil {
		return nil, fmt.Errorf("запрос %s к %s: %w", path, host, err)
	}
	defer resp.Body.Close()

	result := &TransferResult{HTTPStatus: resp.StatusCode}

	// Тело ответа необязательно: пустое или не-JSON тело не делает
	// ответ транспортной ошибкой.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if len(raw) > 0 {
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &parsed); err == nil {
			result.Code = parsed.Code
			result.Message = parsed.Message
		} else {
			result.Message = strings.TrimSpace(string(raw))
		}
	}
	return result, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// baseURL строит базовый URL хоста. Хосты без явной схемы
// считаются HTTPS; схема в идентификаторе (тесты, dev) сохраняется.
func baseURL(host model.HostID) string {
	h := strings.TrimRight(string(host), "/")
	if strings.Contains(h, "://") {
		return h
	}
	return "https://" + h
}
