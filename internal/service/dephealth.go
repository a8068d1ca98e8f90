// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Identity host мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - установленные peer-хосты — HTTP checker к публичному perimeter
//     endpoint'у (non-critical: недоступный peer не делает хост неготовым,
//     outbox переотправит)
//
// Набор peer-зависимостей фиксируется на старте по реестру соединений.
// Соединения, установленные после старта, попадают в мониторинг после
// рестарта процесса.
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// peerHealthPath — публичный perimeter endpoint, по которому проверяется
// живость удалённого хоста.
const peerHealthPath = "/api/v1/perimeter/transit/encryption/publickey"

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Использует connection pool mode для PostgreSQL: проверка выполняется
// через существующий *sql.DB (адаптер pgxpool), что отражает реальную
// способность сервиса работать с базой данных.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (DEPHEALTH_NAME)
//   - group — имя группы в метриках (IH_DEPHEALTH_GROUP)
//   - db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
//   - pgConnURL — URL подключения к PostgreSQL (для лейблов, не для подключения)
//   - depName — имя зависимости PostgreSQL в метриках (IH_DEPHEALTH_DEP_NAME)
//   - peers — установленные peer-хосты (снимок реестра соединений на старте)
//   - checkInterval — интервал проверки зависимостей (IH_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	depName string,
	peers []model.HostID,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, depName, peers, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	depName string,
	peers []model.HostID,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, depName, peers, checkInterval,
		logger, dephealth.WithRegisterer(registerer))
}

// newDephealthService — внутренний конструктор.
func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	depName string,
	peers []model.HostID,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, 2+len(peers)+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		// Проверка идёт через *sql.DB (адаптер pgxpool), что отражает
		// реальное состояние пула соединений.
		dephealth.AddDependency(depName, dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	)

	// Peer-хосты — HTTP checker к публичному perimeter endpoint'у.
	// Non-critical: очередь outbox переживает недоступность получателя.
	for _, peer := range peers {
		opts = append(opts, dephealth.HTTP(peer.String(),
			dephealth.FromURL("https://"+peer.String()),
			dephealth.WithHTTPHealthPath(peerHealthPath),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + peers)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
