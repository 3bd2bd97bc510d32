package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/siakad/pddikti-sync/internal/config"
	"github.com/bigkaa/siakad/pddikti-sync/internal/database"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

// components — общие зависимости команд serve, run и status.
type components struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	registry *pddikti.Client
	sync     *service.RegistrySyncService
	status   *service.SyncStatusService
}

// loadConfig загружает конфигурацию и настраивает логгер.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

// bootstrap подключается к PostgreSQL и собирает сервисный слой.
// Вызывающий обязан вызвать close.
func bootstrap(ctx context.Context) (c *components, closeFn func(), err error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	registry, err := pddikti.New(pddikti.Options{
		BaseURL:       cfg.PddiktiURL,
		Username:      cfg.PddiktiUsername,
		Password:      cfg.PddiktiPassword,
		Timeout:       cfg.PddiktiTimeout,
		TokenTTL:      cfg.PddiktiTokenTTL,
		RefreshMargin: cfg.PddiktiRefreshMargin,
		CACertPath:    cfg.PddiktiCACertPath,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("создание клиента реестра: %w", err)
	}
	if cfg.PddiktiUsername == "" || cfg.PddiktiPassword == "" {
		logger.Warn("Учётные данные реестра PDDIKTI не заданы, запуски синхронизации завершатся ошибкой аутентификации")
	}

	logs := repository.NewSyncLogRepository(pool)

	var advisory service.AdvisoryLocker
	if cfg.SyncAdvisoryLock {
		advisory = repository.NewAdvisoryLocker(pool)
	}

	syncSvc := service.NewRegistrySyncService(
		registry,
		repository.NewTxRunner(pool),
		logs,
		advisory,
		service.SyncOptions{
			PageSize:            cfg.SyncPageSize,
			FetchRetries:        cfg.SyncFetchRetries,
			DependencyCacheSize: cfg.DependencyCacheSize,
			DependencyCacheTTL:  cfg.DependencyCacheTTL,
		},
		logger,
	)

	return &components{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: registry,
		sync:     syncSvc,
		status:   service.NewSyncStatusService(logs, cfg.SyncStaleAfter, logger),
	}, pool.Close, nil
}
