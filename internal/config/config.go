// Пакет config — загрузка и валидация конфигурации Identity Host
// из переменных окружения.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Identity Host.
type Config struct {
	// Порт HTTP-сервера
	Port int

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Пользователь PostgreSQL
	DBUser string
	// Пароль PostgreSQL
	DBPassword string
	// Режим SSL подключения к PostgreSQL
	DBSSLMode string

	// Путь к директории хранения файлов drive
	DataDir string
	// Мастер-ключ хоста (32 байта, base64) — шифрование client auth
	// token'ов в outbox и приватных ключей хоста at rest
	MasterKey []byte

	// Время жизни онлайн-ключа хоста до ротации
	KeyLifetime time.Duration
	// Окно валидности предыдущего ключа после ротации — конверты,
	// завёрнутые под прежний ключ, ещё разворачиваются
	KeyGrace time.Duration
	// Интервал фоновой проверки необходимости ротации ключа
	KeyRotationCheckInterval time.Duration

	// Размер batch outbox-процессора
	OutboxBatchSize int
	// Максимум попыток доставки до перевода элемента в expired
	OutboxMaxAttempts int
	// Базовая задержка retry (экспоненциальный backoff)
	OutboxRetryBase time.Duration
	// Потолок задержки retry
	OutboxRetryMax time.Duration
	// Период фонового прохода outbox-процессора
	OutboxInterval time.Duration

	// Размер batch inbox-процессора
	InboxBatchSize int
	// Период фонового прохода inbox-процессора
	InboxInterval time.Duration

	// Время жизни connection-токена, выдаваемого при установлении соединения
	ConnectionTokenTTL time.Duration

	// Размер worker pool планировщика заданий
	JobWorkers int
	// Время хранения результатов завершённых заданий
	JobResultTTL time.Duration

	// Таймаут HTTP-вызовов к perimeter endpoint'ам удалённых хостов
	PeerTimeout time.Duration
	// Путь к CA-сертификату для проверки TLS удалённых хостов (опционально)
	PeerCACert string

	// Максимальное количество записей в кэше публичных ключей получателей
	PubKeyCacheSize int
	// TTL записи кэша публичных ключей
	PubKeyCacheTTL time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (IH_DEPHEALTH_GROUP)
	DephealthGroup string
	// Имя зависимости (PostgreSQL) в метриках topologymetrics
	DephealthDepName string
	// Имя владельца пода для метки name в topologymetrics (DEPHEALTH_NAME)
	DephealthName string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Таймаут чтения запроса HTTP-сервером
	HTTPReadTimeout time.Duration
	// Таймаут записи ответа HTTP-сервером
	HTTPWriteTimeout time.Duration
	// Таймаут простоя keep-alive соединения
	HTTPIdleTimeout time.Duration

	// Допустимое отклонение времени при проверке connection-токенов
	JWTLeeway time.Duration
}

// DatabaseDSN возвращает DSN подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:cyclop // последовательная загрузка полей конфигурации
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// IH_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("IH_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("IH_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IH_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// IH_DB_HOST — хост PostgreSQL (по умолчанию localhost)
	cfg.DBHost = getEnvDefault("IH_DB_HOST", "localhost")

	// IH_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IH_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IH_DB_PORT: %w", err)
	}

	// IH_DB_NAME — имя базы данных (по умолчанию identhost)
	cfg.DBName = getEnvDefault("IH_DB_NAME", "identhost")

	// IH_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IH_DB_USER")
	if err != nil {
		return nil, err
	}

	// IH_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IH_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IH_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IH_DB_SSL_MODE", "disable")

	// IH_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("IH_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// IH_MASTER_KEY — обязательный, 32 байта base64
	masterKeyB64, err := getEnvRequired("IH_MASTER_KEY")
	if err != nil {
		return nil, err
	}
	cfg.MasterKey, err = base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("IH_MASTER_KEY: некорректный base64: %w", err)
	}
	if len(cfg.MasterKey) != 32 {
		return nil, fmt.Errorf("IH_MASTER_KEY: длина ключа %d, требуется 32 байта", len(cfg.MasterKey))
	}

	// IH_KEY_LIFETIME — время жизни онлайн-ключа (по умолчанию 720h = 30 дней)
	cfg.KeyLifetime, err = getEnvDuration("IH_KEY_LIFETIME", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IH_KEY_LIFETIME: %w", err)
	}

	// IH_KEY_GRACE — окно валидности прежнего ключа (по умолчанию 24h)
	cfg.KeyGrace, err = getEnvDuration("IH_KEY_GRACE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IH_KEY_GRACE: %w", err)
	}

	// IH_KEY_ROTATION_CHECK_INTERVAL — интервал проверки ротации (по умолчанию 1h)
	cfg.KeyRotationCheckInterval, err = getEnvDuration("IH_KEY_ROTATION_CHECK_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IH_KEY_ROTATION_CHECK_INTERVAL: %w", err)
	}

	// IH_OUTBOX_BATCH_SIZE — размер batch outbox (по умолчанию 10)
	cfg.OutboxBatchSize, err = getEnvInt("IH_OUTBOX_BATCH_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("IH_OUTBOX_BATCH_SIZE: %w", err)
	}
	if cfg.OutboxBatchSize < 1 {
		return nil, fmt.Errorf("IH_OUTBOX_BATCH_SIZE: значение должно быть положительным")
	}

	// IH_OUTBOX_MAX_ATTEMPTS — лимит попыток доставки (по умолчанию 30)
	cfg.OutboxMaxAttempts, err = getEnvInt("IH_OUTBOX_MAX_ATTEMPTS", 30)
	if err != nil {
		return nil, fmt.Errorf("IH_OUTBOX_MAX_ATTEMPTS: %w", err)
	}
	if cfg.OutboxMaxAttempts < 1 {
		return nil, fmt.Errorf("IH_OUTBOX_MAX_ATTEMPTS: значение должно быть положительным")
	}

	// IH_OUTBOX_RETRY_BASE — базовая задержка retry (по умолчанию 30s)
	cfg.OutboxRetryBase, err = getEnvDuration("IH_OUTBOX_RETRY_BASE", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_OUTBOX_RETRY_BASE: %w", err)
	}

	// IH_OUTBOX_RETRY_MAX — потолок задержки retry (по умолчанию 1h)
	cfg.OutboxRetryMax, err = getEnvDuration("IH_OUTBOX_RETRY_MAX", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IH_OUTBOX_RETRY_MAX: %w", err)
	}

	// IH_OUTBOX_INTERVAL — период фонового прохода outbox (по умолчанию 30s)
	cfg.OutboxInterval, err = getEnvDuration("IH_OUTBOX_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_OUTBOX_INTERVAL: %w", err)
	}

	// IH_INBOX_BATCH_SIZE — размер batch inbox (по умолчанию 10)
	cfg.InboxBatchSize, err = getEnvInt("IH_INBOX_BATCH_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("IH_INBOX_BATCH_SIZE: %w", err)
	}
	if cfg.InboxBatchSize < 1 {
		return nil, fmt.Errorf("IH_INBOX_BATCH_SIZE: значение должно быть положительным")
	}

	// IH_INBOX_INTERVAL — период фонового прохода inbox (по умолчанию 30s)
	cfg.InboxInterval, err = getEnvDuration("IH_INBOX_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_INBOX_INTERVAL: %w", err)
	}

	// IH_CONNECTION_TOKEN_TTL — время жизни connection-токена (по умолчанию 8760h = 1 год)
	cfg.ConnectionTokenTTL, err = getEnvDuration("IH_CONNECTION_TOKEN_TTL", 8760*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("IH_CONNECTION_TOKEN_TTL: %w", err)
	}

	// IH_JOB_WORKERS — размер worker pool (по умолчанию 4)
	cfg.JobWorkers, err = getEnvInt("IH_JOB_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("IH_JOB_WORKERS: %w", err)
	}
	if cfg.JobWorkers < 1 {
		return nil, fmt.Errorf("IH_JOB_WORKERS: значение должно быть положительным")
	}

	// IH_JOB_RESULT_TTL — время хранения результатов заданий (по умолчанию 10m)
	cfg.JobResultTTL, err = getEnvDuration("IH_JOB_RESULT_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IH_JOB_RESULT_TTL: %w", err)
	}

	// IH_PEER_TIMEOUT — таймаут вызовов к удалённым хостам (по умолчанию 30s)
	cfg.PeerTimeout, err = getEnvDuration("IH_PEER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_PEER_TIMEOUT: %w", err)
	}

	// IH_PEER_CA_CERT — CA-сертификат для TLS к удалённым хостам (опционально)
	cfg.PeerCACert = getEnvDefault("IH_PEER_CA_CERT", "")

	// IH_PUBKEY_CACHE_SIZE — размер кэша публичных ключей (по умолчанию 256)
	cfg.PubKeyCacheSize, err = getEnvInt("IH_PUBKEY_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("IH_PUBKEY_CACHE_SIZE: %w", err)
	}
	if cfg.PubKeyCacheSize < 1 {
		return nil, fmt.Errorf("IH_PUBKEY_CACHE_SIZE: значение должно быть положительным")
	}

	// IH_PUBKEY_CACHE_TTL — TTL записи кэша ключей (по умолчанию 10m)
	cfg.PubKeyCacheTTL, err = getEnvDuration("IH_PUBKEY_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IH_PUBKEY_CACHE_TTL: %w", err)
	}

	// IH_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IH_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IH_LOG_LEVEL: %w", err)
	}

	// IH_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IH_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IH_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// IH_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IH_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// IH_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "identity-host")
	cfg.DephealthGroup = getEnvDefault("IH_DEPHEALTH_GROUP", "identity-host")

	// IH_DEPHEALTH_DEP_NAME — имя зависимости в метриках topologymetrics (по умолчанию "postgres")
	cfg.DephealthDepName = getEnvDefault("IH_DEPHEALTH_DEP_NAME", "postgres")

	// DEPHEALTH_NAME — имя владельца пода для метки name в topologymetrics (без префикса модуля)
	cfg.DephealthName = getEnvDefault("DEPHEALTH_NAME", "")

	// IH_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s).
	// Должен оставлять время на возврат зарезервированных inbox-элементов
	// в pending (CancelAll) до SIGKILL.
	cfg.ShutdownTimeout, err = getEnvDuration("IH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_SHUTDOWN_TIMEOUT: %w", err)
	}

	// IH_HTTP_READ_TIMEOUT — таймаут чтения запроса (по умолчанию 30s).
	// Конверты с содержимым приходят одним POST, таймаут должен
	// вмещать передачу payload.
	cfg.HTTPReadTimeout, err = getEnvDuration("IH_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_HTTP_READ_TIMEOUT: %w", err)
	}

	// IH_HTTP_WRITE_TIMEOUT — таймаут записи ответа (по умолчанию 30s)
	cfg.HTTPWriteTimeout, err = getEnvDuration("IH_HTTP_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_HTTP_WRITE_TIMEOUT: %w", err)
	}

	// IH_HTTP_IDLE_TIMEOUT — таймаут простоя соединения (по умолчанию 120s)
	cfg.HTTPIdleTimeout, err = getEnvDuration("IH_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// IH_JWT_LEEWAY — допуск рассинхронизации часов при проверке токенов (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("IH_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IH_JWT_LEEWAY: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения
// или значение по умолчанию, если переменная не задана.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает длительность из переменной окружения
// (формат time.ParseDuration) или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность %q", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("длительность должна быть положительной")
	}
	return d, nil
}

// parseLogLevel преобразует строковый уровень логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
