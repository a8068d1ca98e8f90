// Точка входа identity host — многоарендного хоста протокола
// передачи файлов между identity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/identhost/internal/api/handlers"
	"github.com/bigkaa/identhost/internal/api/middleware"
	"github.com/bigkaa/identhost/internal/api/openapi"
	"github.com/bigkaa/identhost/internal/circle"
	"github.com/bigkaa/identhost/internal/config"
	"github.com/bigkaa/identhost/internal/database"
	"github.com/bigkaa/identhost/internal/domain/model"
	"github.com/bigkaa/identhost/internal/drive"
	"github.com/bigkaa/identhost/internal/jobs"
	"github.com/bigkaa/identhost/internal/keys"
	"github.com/bigkaa/identhost/internal/peerclient"
	"github.com/bigkaa/identhost/internal/repository"
	"github.com/bigkaa/identhost/internal/server"
	"github.com/bigkaa/identhost/internal/service"
	"github.com/bigkaa/identhost/internal/transit"
	"github.com/bigkaa/identhost/internal/transit/envelope"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Identity host запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// --- PostgreSQL ---

	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграции схемы", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// --- Репозитории ---

	tenants := repository.NewTenantRepository(pool)
	drives := repository.NewDriveRepository(pool)
	connections := repository.NewConnectionRepository(pool)
	hostKeys := repository.NewHostKeyRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	inboxRepo := repository.NewInboxRepository(pool)
	driveFiles := repository.NewDriveFileRepository(pool)

	// --- Базовые сервисы ---

	store, err := drive.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error("Ошибка инициализации drive-хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ingestor := drive.NewIngestor(store, driveFiles, cfg.MasterKey, logger)

	keySvc := keys.NewService(hostKeys, cfg.MasterKey, cfg.KeyLifetime, cfg.KeyGrace, logger)
	auth := circle.NewAuthorizer(connections, keySvc, cfg.MasterKey)

	peers, err := peerclient.New(cfg.PeerCACert, cfg.PeerTimeout, logger)
	if err != nil {
		logger.Error("Ошибка инициализации peer-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pubKeyCache := envelope.NewPublicKeyCache(cfg.PubKeyCacheSize, cfg.PubKeyCacheTTL, peers)
	builder := envelope.NewBuilder(pubKeyCache)

	// --- Планировщик и процессоры ---

	scheduler := jobs.NewScheduler(cfg.JobWorkers, cfg.JobResultTTL, logger)
	scheduler.Start(ctx)

	outboxSvc := transit.NewOutboxService(outboxRepo, driveFiles, store, builder, auth, peers, cfg.MasterKey, logger)
	outboxProc := transit.NewOutboxProcessor(outboxRepo, tenants, store, builder, auth, peers, scheduler, cfg.MasterKey,
		transit.OutboxProcessorConfig{
			BatchSize:   cfg.OutboxBatchSize,
			MaxAttempts: cfg.OutboxMaxAttempts,
			RetryBase:   cfg.OutboxRetryBase,
			RetryMax:    cfg.OutboxRetryMax,
			Interval:    cfg.OutboxInterval,
		}, logger)
	outboxSvc.BindProcessor(outboxProc)
	outboxProc.Start(ctx)

	inboxSvc := transit.NewInboxService(inboxRepo, drives, auth, logger)
	inboxProc := transit.NewInboxProcessor(inboxRepo, driveFiles, tenants, drives, store, keySvc, auth, scheduler, cfg.MasterKey,
		transit.InboxProcessorConfig{
			BatchSize: cfg.InboxBatchSize,
			Interval:  cfg.InboxInterval,
		}, logger)
	inboxSvc.BindProcessor(inboxProc)
	inboxProc.Start(ctx)

	// Фоновая ротация ключей хостов: все арендаторы, один синглтон-job.
	// Временный сбой БД не откладывает ротацию до следующего интервала.
	scheduler.ScheduleEvery(cfg.KeyRotationCheckInterval, jobs.JobFunc{
		JobKey: "key-rotation",
		Policy: jobs.RetryPolicy{MaxAttempts: 3, Delay: time.Minute},
		Fn: func(jobCtx context.Context) (json.RawMessage, error) {
			return nil, rotateAllKeys(jobCtx, tenants, keySvc, logger)
		},
	})

	// --- topologymetrics — мониторинг зависимостей ---

	dephealthSvc := startDephealth(ctx, cfg, pool, tenants, connections, logger)

	// --- HTTP API ---

	validator, err := openapi.NewValidator()
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI контракта", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tenantResolver := middleware.NewTenantResolver(tenants, logger)
	connAuth := middleware.NewConnectionAuth(keySvc, cfg.JWTLeeway, logger)

	perimeterHandler := handlers.NewPerimeterHandler(inboxSvc, keySvc, logger)
	ownerHandler := handlers.NewOwnerHandler(outboxSvc, outboxProc, auth, connections, drives, ingestor, keySvc, scheduler, cfg.ConnectionTokenTTL, logger)
	appsHandler := handlers.NewAppsHandler(inboxSvc, logger)
	healthHandler := handlers.NewHealthHandler(cfg.DataDir, database.NewReadinessChecker(pool))

	apiHandler := handlers.NewAPIHandler(
		perimeterHandler,
		ownerHandler,
		appsHandler,
		healthHandler,
		tenantResolver.Middleware(),
		connAuth.Middleware(),
		validator.Middleware(),
	)

	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	outboxProc.Stop()
	inboxProc.Stop()
	scheduler.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Identity host остановлен")
}

// rotateAllKeys выполняет один проход ротации ключей по всем арендаторам.
func rotateAllKeys(ctx context.Context, tenants repository.TenantRepository, keySvc *keys.Service, logger *slog.Logger) error {
	list, err := tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("список арендаторов: %w", err)
	}
	for _, tenant := range list {
		rotated, pruned, err := keySvc.RotateIfNeeded(ctx, tenant.TenantID)
		if err != nil {
			logger.Error("Ошибка ротации ключа",
				slog.String("host", tenant.HostID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if rotated || pruned > 0 {
			logger.Info("Ключ хоста ротирован",
				slog.String("host", tenant.HostID.String()),
				slog.Bool("rotated", rotated),
				slog.Int("pruned", pruned),
			)
		}
	}
	return nil
}

// startDephealth запускает мониторинг зависимостей. Ошибка не фатальна:
// хост работает и без topologymetrics.
func startDephealth(
	ctx context.Context,
	cfg *config.Config,
	pool *pgxpool.Pool,
	tenants repository.TenantRepository,
	connections repository.ConnectionRepository,
	logger *slog.Logger,
) *service.DephealthService {
	dephealthSvc, err := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		stdlib.OpenDBFromPool(pool),
		cfg.DatabaseDSN(),
		cfg.DephealthDepName,
		connectedPeers(ctx, tenants, connections, logger),
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("topologymetrics запущен",
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return dephealthSvc
}

// connectedPeers собирает снимок установленных peer-хостов всех
// арендаторов для мониторинга зависимостей.
func connectedPeers(
	ctx context.Context,
	tenants repository.TenantRepository,
	connections repository.ConnectionRepository,
	logger *slog.Logger,
) []model.HostID {
	list, err := tenants.List(ctx)
	if err != nil {
		logger.Warn("Не удалось получить список арендаторов для dephealth",
			slog.String("error", err.Error()),
		)
		return nil
	}

	seen := make(map[model.HostID]struct{})
	var result []model.HostID
	for _, tenant := range list {
		conns, err := connections.ListConnected(ctx, tenant.TenantID)
		if err != nil {
			continue
		}
		for _, c := range conns {
			if _, ok := seen[c.RemoteHost]; ok {
				continue
			}
			seen[c.RemoteHost] = struct{}{}
			result = append(result, c.RemoteHost)
		}
	}
	return result
}
