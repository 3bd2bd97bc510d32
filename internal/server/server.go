// Пакет server — HTTP-сервер pddikti-sync с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/siakad/pddikti-sync/internal/api/handlers"
	"github.com/bigkaa/siakad/pddikti-sync/internal/api/middleware"
	"github.com/bigkaa/siakad/pddikti-sync/internal/config"
	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/rbac"
)

// Server — HTTP-сервер pddikti-sync.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// jwtAuth может быть nil: тогда /api/v1 доступен без аутентификации.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	health *handlers.HealthHandler,
	sync *handlers.SyncHandler,
	jwtAuth *middleware.JWTAuth,
) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, health, sync, jwtAuth),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает chi-маршрутизатор.
// Health и metrics проверяются Kubernetes напрямую и не требуют JWT.
func NewRouter(
	logger *slog.Logger,
	health *handlers.HealthHandler,
	sync *handlers.SyncHandler,
	jwtAuth *middleware.JWTAuth,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1/sync", func(r chi.Router) {
		require := func(rbac.Permission) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
		if jwtAuth != nil {
			r.Use(jwtAuth.Middleware())
			require = middleware.Require
		}

		r.With(require(rbac.PermSyncWrite)).Post("/", sync.TriggerSync)
		r.Group(func(r chi.Router) {
			r.Use(require(rbac.PermSyncRead))
			r.Get("/status", sync.GetSyncStatus)
			r.Get("/logs", sync.ListSyncLogs)
			r.Get("/logs/{id}", sync.GetSyncLog)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
