package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

// Ограничения выборки истории запусков.
const (
	DefaultLogsLimit = 20
	MaxLogsLimit     = 100
)

// EntitySyncStatus — состояние синхронизации одного типа сущности.
type EntitySyncStatus struct {
	EntityType model.EntityType `json:"entity"`
	// Status — статус последнего запуска или never_synced.
	// Брошенный запуск (нет heartbeat дольше StaleAfter) отдаётся как failed.
	Status model.SyncStatus `json:"status"`
	Stale  bool             `json:"stale"`
	// Latest — последний запуск (nil для never_synced)
	Latest *model.SyncLogEntry `json:"latest,omitempty"`
}

// SyncStatusService — чтение журнала синхронизации и сборка брошенных запусков.
type SyncStatusService struct {
	logs       repository.SyncLogRepository
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewSyncStatusService создаёт сервис статуса синхронизации.
func NewSyncStatusService(logs repository.SyncLogRepository, staleAfter time.Duration, logger *slog.Logger) *SyncStatusService {
	return &SyncStatusService{
		logs:       logs,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "sync_status")),
	}
}

// LatestStatus возвращает последний запуск для каждого отслеживаемого типа
// сущности в порядке зависимостей. Только чтение.
func (s *SyncStatusService) LatestStatus(ctx context.Context) ([]EntitySyncStatus, error) {
	now := s.now()
	result := make([]EntitySyncStatus, 0, len(model.TrackedEntityTypes))

	for _, entity := range model.TrackedEntityTypes {
		st := EntitySyncStatus{EntityType: entity, Status: model.SyncStatusNeverSynced}

		latest, err := s.logs.LatestByType(ctx, entity)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("статус синхронизации %s: %w", entity, err)
		default:
			st.Latest = latest
			st.Status = latest.Status
			if latest.IsStale(now, s.staleAfter) {
				st.Status = model.SyncStatusFailed
				st.Stale = true
			}
		}

		result = append(result, st)
	}
	return result, nil
}

// ListLogs возвращает историю запусков, новые первыми.
// entity == nil — все типы; limit <= 0 — DefaultLogsLimit.
func (s *SyncStatusService) ListLogs(ctx context.Context, entity *model.EntityType, limit int) ([]*model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogsLimit
	}
	if limit > MaxLogsLimit {
		return nil, fmt.Errorf("%w: limit не может превышать %d", ErrValidation, MaxLogsLimit)
	}

	entries, err := s.logs.List(ctx, entity, limit, 0)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*model.SyncLogEntry{}
	}
	return entries, nil
}

// GetLog возвращает запуск по id.
func (s *SyncStatusService) GetLog(ctx context.Context, id string) (*model.SyncLogEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: некорректный id запуска %q", ErrValidation, id)
	}

	entry, err := s.logs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: запуск %s", ErrNotFound, id)
		}
		return nil, err
	}
	return entry, nil
}

// ReapStale завершает со статусом failed запуски in_progress без heartbeat
// дольше StaleAfter (процесс остановлен посреди запуска). Возвращает число
// завершённых записей.
func (s *SyncStatusService) ReapStale(ctx context.Context) (int, error) {
	if s.staleAfter <= 0 {
		return 0, nil
	}

	now := s.now()
	stale, err := s.logs.ListStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, entry := range stale {
		entry.Errors = append(entry.Errors, model.SyncError{
			EntityType: entry.EntityType,
			Message:    fmt.Sprintf("запуск брошен: нет обновлений с %s", entry.HeartbeatAt.Format(time.RFC3339)),
		})
		if err := entry.TransitionTo(model.SyncStatusFailed, now); err != nil {
			return reaped, err
		}

		err := s.logs.Update(ctx, entry)
		if errors.Is(err, repository.ErrLogFinalized) {
			// Запуск успел завершиться сам
			continue
		}
		if err != nil {
			return reaped, err
		}

		reaped++
		s.logger.Warn("Брошенный запуск завершён",
			slog.String("sync_id", entry.ID),
			slog.String("entity", string(entry.EntityType)),
			slog.Time("heartbeat_at", entry.HeartbeatAt),
		)
	}
	return reaped, nil
}
