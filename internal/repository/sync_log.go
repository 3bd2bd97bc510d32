package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// SyncLogRepository — журнал запусков синхронизации (таблица sync_logs).
type SyncLogRepository interface {
	// Create создаёт запись о запуске.
	Create(ctx context.Context, e *model.SyncLogEntry) error
	// Update сохраняет статус, счётчики, ошибки и heartbeat. Обновляется
	// только запись в статусе in_progress; иначе — ErrLogFinalized.
	Update(ctx context.Context, e *model.SyncLogEntry) error
	GetByID(ctx context.Context, id string) (*model.SyncLogEntry, error)
	// LatestByType возвращает последний по времени начала запуск для типа сущности.
	LatestByType(ctx context.Context, entity model.EntityType) (*model.SyncLogEntry, error)
	// List возвращает запуски, новые первыми. entity == nil — все типы.
	List(ctx context.Context, entity *model.EntityType, limit, offset int) ([]*model.SyncLogEntry, error)
	// ListStale возвращает запуски in_progress с heartbeat раньше before.
	ListStale(ctx context.Context, before time.Time) ([]*model.SyncLogEntry, error)
}

type syncLogRepo struct {
	db DBTX
}

// NewSyncLogRepository создаёт репозиторий журнала синхронизации.
func NewSyncLogRepository(db DBTX) SyncLogRepository {
	return &syncLogRepo{db: db}
}

const syncLogColumns = `id, entity_type, operation, status, started_at, finished_at, heartbeat_at,
	total_items, processed_items, successful_items, failed_items, errors, triggered_by,
	created_at, updated_at`

func scanSyncLog(row interface{ Scan(...any) error }) (*model.SyncLogEntry, error) {
	e := &model.SyncLogEntry{}
	var rawErrors []byte
	err := row.Scan(
		&e.ID, &e.EntityType, &e.Operation, &e.Status, &e.StartedAt, &e.FinishedAt, &e.HeartbeatAt,
		&e.TotalItems, &e.ProcessedItems, &e.SuccessfulItems, &e.FailedItems, &rawErrors, &e.TriggeredBy,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err := scanOne(err, "записи журнала синхронизации"); err != nil {
		return nil, err
	}
	if len(rawErrors) > 0 {
		if err := json.Unmarshal(rawErrors, &e.Errors); err != nil {
			return nil, fmt.Errorf("ошибка разбора errors записи %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func marshalErrors(errs []model.SyncError) ([]byte, error) {
	if errs == nil {
		errs = []model.SyncError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации ошибок синхронизации: %w", err)
	}
	return data, nil
}

func (r *syncLogRepo) Create(ctx context.Context, e *model.SyncLogEntry) error {
	rawErrors, err := marshalErrors(e.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_logs (id, entity_type, operation, status, started_at, finished_at,
			heartbeat_at, total_items, processed_items, successful_items, failed_items,
			errors, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		e.ID, e.EntityType, e.Operation, e.Status, e.StartedAt, e.FinishedAt,
		e.HeartbeatAt, e.TotalItems, e.ProcessedItems, e.SuccessfulItems, e.FailedItems,
		rawErrors, e.TriggeredBy,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись журнала %s", ErrConflict, e.ID)
		}
		return fmt.Errorf("ошибка создания записи журнала синхронизации: %w", err)
	}
	return nil
}

func (r *syncLogRepo) Update(ctx context.Context, e *model.SyncLogEntry) error {
	rawErrors, err := marshalErrors(e.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_logs
		SET status = $2, finished_at = $3, heartbeat_at = $4, total_items = $5,
			processed_items = $6, successful_items = $7, failed_items = $8, errors = $9,
			updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING updated_at`

	err = r.db.QueryRow(ctx, query,
		e.ID, e.Status, e.FinishedAt, e.HeartbeatAt, e.TotalItems,
		e.ProcessedItems, e.SuccessfulItems, e.FailedItems, rawErrors,
	).Scan(&e.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка обновления записи журнала синхронизации: %w", err)
	}

	// Строка не обновлена: либо её нет, либо она уже в терминальном статусе
	if _, getErr := r.GetByID(ctx, e.ID); getErr != nil {
		return getErr
	}
	return ErrLogFinalized
}

func (r *syncLogRepo) GetByID(ctx context.Context, id string) (*model.SyncLogEntry, error) {
	return scanSyncLog(r.db.QueryRow(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`, id))
}

func (r *syncLogRepo) LatestByType(ctx context.Context, entity model.EntityType) (*model.SyncLogEntry, error) {
	return scanSyncLog(r.db.QueryRow(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs
		WHERE entity_type = $1
		ORDER BY started_at DESC
		LIMIT 1`, entity))
}

func (r *syncLogRepo) List(ctx context.Context, entity *model.EntityType, limit, offset int) ([]*model.SyncLogEntry, error) {
	query := `
		SELECT ` + syncLogColumns + `
		FROM sync_logs
		WHERE ($1::text IS NULL OR entity_type = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`

	var filter *string
	if entity != nil {
		s := string(*entity)
		filter = &s
	}

	return r.queryList(ctx, query, filter, limit, offset)
}

func (r *syncLogRepo) ListStale(ctx context.Context, before time.Time) ([]*model.SyncLogEntry, error) {
	query := `
		SELECT ` + syncLogColumns + `
		FROM sync_logs
		WHERE status = 'in_progress' AND heartbeat_at < $1
		ORDER BY started_at`

	return r.queryList(ctx, query, before)
}

func (r *syncLogRepo) queryList(ctx context.Context, query string, args ...any) ([]*model.SyncLogEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения журнала синхронизации: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncLogEntry
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
