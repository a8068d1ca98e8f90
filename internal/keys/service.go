// service.go — сервис ключей хоста: генерация и ротация RSA-пар,
// разворачивание ключевых заголовков по CRC, подпись и проверка
// connection-токенов (RS256 + JWKS).
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/repository"
)

// Prometheus-метрики сервиса ключей.
var (
	keysGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_host_keys_generated_total",
		Help: "Общее количество сгенерированных ключевых пар хоста.",
	})
	keysPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_host_keys_pruned_total",
		Help: "Общее количество удалённых истёкших ключевых пар.",
	})
)

// rsaKeyBits — размер генерируемых RSA-ключей.
const rsaKeyBits = 2048

// ErrKeyExpired — ключ найден, но окно валидности (expires_at + grace) истекло.
var ErrKeyExpired = errors.New("ключ вне окна валидности")

// Service — сервис ключей хоста. Потокобезопасен; генерация ключа
// для одного арендатора сериализуется мьютексом.
type Service struct {
	repo      repository.HostKeyRepository
	masterKey []byte
	lifetime  time.Duration
	grace     time.Duration
	logger    *slog.Logger

	mu sync.Mutex // сериализация генерации/ротации
}

// NewService создаёт сервис ключей.
// lifetime — срок жизни ключа до ротации; grace — окно, в котором
// прежний ключ ещё разворачивает конверты и проверяет токены.
func NewService(repo repository.HostKeyRepository, masterKey []byte, lifetime, grace time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		masterKey: masterKey,
		lifetime:  lifetime,
		grace:     grace,
		logger:    logger.With(slog.String("component", "keys")),
	}
}

// EnsureCurrent возвращает действующий ключ арендатора,
// генерируя новый при отсутствии.
func (s *Service) EnsureCurrent(ctx context.Context, tenantID model.TenantID) (*repository.HostKeyRecord, error) {
	rec, err := s.repo.GetCurrent(ctx, tenantID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return s.generate(ctx, tenantID)
}

// PublicKeyInfo возвращает публичную часть действующего ключа
// для endpoint'а /perimeter/transit/encryption/publickey.
func (s *Service) PublicKeyInfo(ctx context.Context, tenantID model.TenantID) (*model.PublicKeyInfo, error) {
	rec, err := s.EnsureCurrent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &model.PublicKeyInfo{
		PublicKeyDER: rec.PublicKeyDER,
		CRC32C:       rec.CRC32C,
		Expiration:   rec.ExpiresAt,
	}, nil
}

// HasKeyForCRC сообщает, известен ли арендатору ключ с указанным CRC.
// Дешёвая проверка для perimeter-endpoint'а: конверт под неизвестный
// CRC отклоняется сразу, и отправитель перезаворачивает его под
// действующий ключ вместо постановки обречённого элемента в inbox.
func (s *Service) HasKeyForCRC(ctx context.Context, tenantID model.TenantID, crc uint32) (bool, error) {
	_, err := s.repo.GetByCRC(ctx, tenantID, crc)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// UnwrapKeyHeader разворачивает ключевой заголовок приватным ключом,
// выбранным по CRC публичной части. Ключ в grace-окне после ротации
// ещё считается валидным — доставки, завёрнутые до ротации, не теряются.
func (s *Service) UnwrapKeyHeader(ctx context.Context, tenantID model.TenantID, crc uint32, wrapped []byte) (*KeyHeader, error) {
	priv, err := s.privateKeyByCRC(ctx, tenantID, crc)
	if err != nil {
		return nil, err
	}
	return UnwrapKeyHeader(wrapped, priv)
}

// RotateIfNeeded генерирует новый ключ, если текущий доживает
// последнее grace-окно, и удаляет ключи, вышедшие из окна валидности.
// Возвращает признак ротации и количество удалённых ключей.
func (s *Service) RotateIfNeeded(ctx context.Context, tenantID model.TenantID) (bool, int, error) {
	rotated := false

	rec, err := s.repo.GetCurrent(ctx, tenantID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if _, err := s.generate(ctx, tenantID); err != nil {
			return false, 0, err
		}
		rotated = true
	case err != nil:
		return false, 0, err
	case time.Until(rec.ExpiresAt) < s.grace:
		if _, err := s.generate(ctx, tenantID); err != nil {
			return false, 0, err
		}
		rotated = true
	}

	pruned, err := s.repo.DeleteExpiredBefore(ctx, tenantID, time.Now().Add(-s.grace))
	if err != nil {
		return rotated, 0, err
	}
	if pruned > 0 {
		keysPrunedTotal.Add(float64(pruned))
	}
	return rotated, pruned, nil
}

// SignConnectionToken выпускает connection-токен для удалённого хоста:
// RS256, kid = key_id, iss/aud = этот хост, sub = подключённый peer.
// Токен валидируется этим же хостом при входящих perimeter-вызовах.
func (s *Service) SignConnectionToken(ctx context.Context, tenantID model.TenantID, self, peer model.HostID, ttl time.Duration) (string, error) {
	rec, err := s.EnsureCurrent(ctx, tenantID)
	if err != nil {
		return "", err
	}
	priv, err := s.decodePrivateKey(rec)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    self.String(),
		Subject:   peer.String(),
		Audience:  jwt.ClaimStrings{self.String()},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = rec.KeyID.String()

	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи connection-токена: %w", err)
	}
	return signed, nil
}

// Keyfunc возвращает jwt.Keyfunc для проверки connection-токенов
// арендатора. JWKS собирается из всех ключей в окне валидности,
// поэтому токены, подписанные до ротации, продолжают проверяться.
func (s *Service) Keyfunc(ctx context.Context, tenantID model.TenantID) (jwt.Keyfunc, error) {
	storage, err := s.buildJWKStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return k.Keyfunc, nil
}

// JWKSJSON возвращает публичный JWKS арендатора (диагностика, клиенты).
func (s *Service) JWKSJSON(ctx context.Context, tenantID model.TenantID) ([]byte, error) {
	storage, err := s.buildJWKStorage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	raw, err := storage.JSONPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("сериализация JWKS: %w", err)
	}
	return raw, nil
}

// generate создаёт новую ключевую пару и сохраняет её в репозитории.
func (s *Service) generate(ctx context.Context, tenantID model.TenantID) (*repository.HostKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Повторная проверка под мьютексом: ключ мог появиться параллельно.
	if rec, err := s.repo.GetCurrent(ctx, tenantID); err == nil && time.Until(rec.ExpiresAt) >= s.grace {
		return rec, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации RSA-ключа: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации публичного ключа: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации приватного ключа: %w", err)
	}
	privEnc, err := SealWithMasterKey(s.masterKey, privDER)
	if err != nil {
		return nil, err
	}

	rec := &repository.HostKeyRecord{
		TenantID:      tenantID,
		KeyID:         uuid.New(),
		CRC32C:        CRC32C(pubDER),
		PublicKeyDER:  pubDER,
		PrivateKeyEnc: privEnc,
		ExpiresAt:     time.Now().Add(s.lifetime),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	keysGeneratedTotal.Inc()
	s.logger.Info("Сгенерирована ключевая пара хоста",
		slog.String("tenant_id", tenantID.String()),
		slog.String("key_id", rec.KeyID.String()),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

// privateKeyByCRC возвращает приватный ключ по CRC публичной части
// с проверкой окна валидности.
func (s *Service) privateKeyByCRC(ctx context.Context, tenantID model.TenantID, crc uint32) (*rsa.PrivateKey, error) {
	rec, err := s.repo.GetByCRC(ctx, tenantID, crc)
	if err != nil {
		return nil, err
	}
	if time.Now().After(rec.ExpiresAt.Add(s.grace)) {
		return nil, ErrKeyExpired
	}
	return s.decodePrivateKey(rec)
}

// decodePrivateKey расшифровывает и парсит приватный ключ записи.
func (s *Service) decodePrivateKey(rec *repository.HostKeyRecord) (*rsa.PrivateKey, error) {
	privDER, err := OpenWithMasterKey(s.masterKey, rec.PrivateKeyEnc)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга приватного ключа: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("неожиданный тип приватного ключа %T", key)
	}
	return rsaKey, nil
}

// buildJWKStorage собирает in-memory JWKS из всех ключей арендатора
// в окне валидности: текущий плюс ротированные в grace-окне.
func (s *Service) buildJWKStorage(ctx context.Context, tenantID model.TenantID) (jwkset.Storage, error) {
	if _, err := s.EnsureCurrent(ctx, tenantID); err != nil {
		return nil, err
	}
	recs, err := s.repo.ListValid(ctx, tenantID, time.Now().Add(-s.grace))
	if err != nil {
		return nil, err
	}

	storage := jwkset.NewMemoryStorage()
	for _, rec := range recs {
		if err := s.writeJWK(ctx, storage, rec); err != nil {
			return nil, err
		}
	}
	return storage, nil
}

// writeJWK добавляет публичную часть записи в JWKS storage.
func (s *Service) writeJWK(ctx context.Context, storage jwkset.Storage, rec *repository.HostKeyRecord) error {
	pub, err := x509.ParsePKIXPublicKey(rec.PublicKeyDER)
	if err != nil {
		return fmt.Errorf("ошибка парсинга публичного ключа: %w", err)
	}
	jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			KID: rec.KeyID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("ошибка построения JWK: %w", err)
	}
	if err := storage.KeyWrite(ctx, jwk); err != nil {
		return fmt.Errorf("ошибка записи JWK: %w", err)
	}
	return nil
}
