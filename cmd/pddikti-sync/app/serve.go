package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bigkaa/siakad/pddikti-sync/internal/api/handlers"
	"github.com/bigkaa/siakad/pddikti-sync/internal/api/middleware"
	"github.com/bigkaa/siakad/pddikti-sync/internal/config"
	"github.com/bigkaa/siakad/pddikti-sync/internal/database"
	"github.com/bigkaa/siakad/pddikti-sync/internal/server"
	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

func newServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API и планировщик синхронизации",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Не применять миграции БД при старте")
	return cmd
}

func runServe(ctx context.Context, skipMigrations bool) error {
	// 1. Миграции до подключения пула
	if !skipMigrations {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции БД: %w", err)
		}
	}

	// 2. PostgreSQL, клиент реестра, сервисный слой
	c, closeDB, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	cfg, logger := c.cfg, c.logger
	logger.Info("pddikti-sync запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("registry_url", cfg.PddiktiURL),
	)

	// 3. Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(c.pool)
	defer pgDB.Close()

	// 4. Планировщик и сборка брошенных запусков
	var scheduler *service.SyncScheduler
	if cfg.SyncScheduleEnabled {
		scheduler = service.NewSyncScheduler(c.sync, c.status, cfg.SyncInterval, logger)
		scheduler.Start(ctx)
		defer scheduler.Stop()
		logger.Info("Планировщик синхронизации запущен",
			slog.String("interval", cfg.SyncInterval.String()),
		)
	} else if n, err := c.status.ReapStale(ctx); err != nil {
		logger.Warn("Ошибка сборки брошенных запусков", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("Брошенные запуски закрыты", slog.Int("count", n))
	}

	// 5. topologymetrics — мониторинг зависимостей (PostgreSQL + реестр)
	dephealthSvc, err := service.NewDephealthService(service.DephealthParams{
		ServiceID:     "pddikti-sync",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseURL(),
		RegistryURL:   cfg.PddiktiURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
	}

	// 6. JWT middleware (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, middleware.AuthOptions{
			Issuer:         cfg.JWTIssuer,
			RolesClaim:     cfg.JWTRolesClaim,
			GroupsClaim:    cfg.JWTGroupsClaim,
			AdminGroups:    cfg.RoleAdminGroups,
			ReadonlyGroups: cfg.RoleReadonlyGroups,
		}, logger)
		if err != nil {
			return fmt.Errorf("создание JWT middleware: %w", err)
		}
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWTJWKSURL))
	} else {
		logger.Warn("PS_JWT_JWKS_URL не задан, API доступен без аутентификации")
	}

	// 7. HTTP-сервер
	srv := server.New(cfg, logger,
		handlers.NewHealthHandler(database.NewReadinessChecker(c.pool), c.registry),
		handlers.NewSyncHandler(c.sync, c.status, logger),
		jwtAuth,
	)
	return srv.Run(ctx)
}
