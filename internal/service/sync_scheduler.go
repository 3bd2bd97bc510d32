// sync_scheduler.go — периодическая синхронизация всех типов сущностей.
//
// SyncScheduler запускает фоновую горутину с ticker (PS_SYNC_INTERVAL).
// Каждый такт:
//  1. Сборка брошенных запусков
//  2. Загрузка программ обучения (от них зависят остальные типы)
//  3. Загрузка преподавателей, дисциплин и студентов параллельно
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// syncRunner — запуск синхронизации. Реализуется *RegistrySyncService.
type syncRunner interface {
	RunSync(ctx context.Context, entity model.EntityType, op model.Operation, triggeredBy string) (*model.SyncLogEntry, error)
}

// staleReaper — сборка брошенных запусков. Реализуется *SyncStatusService.
type staleReaper interface {
	ReapStale(ctx context.Context) (int, error)
}

// TriggeredByScheduler — инициатор плановых запусков в журнале.
const TriggeredByScheduler = "scheduler"

// SyncScheduler — плановая синхронизация.
type SyncScheduler struct {
	runner   syncRunner
	reaper   staleReaper
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncScheduler создаёт планировщик.
func NewSyncScheduler(runner syncRunner, reaper staleReaper, interval time.Duration, logger *slog.Logger) *SyncScheduler {
	return &SyncScheduler{
		runner:   runner,
		reaper:   reaper,
		interval: interval,
		logger:   logger.With(slog.String("component", "sync_scheduler")),
	}
}

// Start запускает фоновую горутину. Брошенные запуски собираются сразу,
// синхронизация — по ticker.
func (s *SyncScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Плановая синхронизация запущена", slog.String("interval", s.interval.String()))
		s.reap(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Плановая синхронизация остановлена")
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx, TriggeredByScheduler); err != nil {
					s.logger.Error("Плановая синхронизация завершена с ошибками", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения текущего такта.
func (s *SyncScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunOnce выполняет загрузку всех типов сущностей в порядке зависимостей.
// Занятый тип пропускается. Возвращает объединение ошибок запусков.
func (s *SyncScheduler) RunOnce(ctx context.Context, triggeredBy string) error {
	s.reap(ctx)

	first, rest := model.TrackedEntityTypes[0], model.TrackedEntityTypes[1:]

	var (
		mu   sync.Mutex
		errs []error
	)
	run := func(entity model.EntityType) {
		if err := s.runEntity(ctx, entity, triggeredBy); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	run(first)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(rest))
	for _, entity := range rest {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			run(entity)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *SyncScheduler) runEntity(ctx context.Context, entity model.EntityType, triggeredBy string) error {
	entry, err := s.runner.RunSync(ctx, entity, model.OperationPull, triggeredBy)
	if errors.Is(err, ErrSyncAlreadyRunning) {
		s.logger.Info("Синхронизация уже выполняется, пропуск", slog.String("entity", string(entity)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", entity, err)
	}

	s.logger.Info("Плановая синхронизация типа завершена",
		slog.String("entity", string(entity)),
		slog.String("sync_id", entry.ID),
		slog.Int("successful", entry.SuccessfulItems),
		slog.Int("failed", entry.FailedItems),
	)
	return nil
}

func (s *SyncScheduler) reap(ctx context.Context) {
	n, err := s.reaper.ReapStale(ctx)
	if err != nil {
		s.logger.Error("Ошибка сборки брошенных запусков", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Warn("Собраны брошенные запуски", slog.Int("count", n))
	}
}
