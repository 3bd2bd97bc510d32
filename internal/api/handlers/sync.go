// sync.go — обработчики запуска синхронизации и чтения журнала.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/siakad/pddikti-sync/internal/api/errors"
	"github.com/bigkaa/siakad/pddikti-sync/internal/api/middleware"
	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

// SyncRunner запускает синхронизацию. Реализуется service.RegistrySyncService.
type SyncRunner interface {
	RunSync(ctx context.Context, entity model.EntityType, op model.Operation, triggeredBy string) (*model.SyncLogEntry, error)
}

// SyncLogReader читает журнал синхронизации. Реализуется service.SyncStatusService.
type SyncLogReader interface {
	LatestStatus(ctx context.Context) ([]service.EntitySyncStatus, error)
	ListLogs(ctx context.Context, entity *model.EntityType, limit int) ([]*model.SyncLogEntry, error)
	GetLog(ctx context.Context, id string) (*model.SyncLogEntry, error)
}

// SyncHandler — обработчики /api/v1/sync.
type SyncHandler struct {
	runner SyncRunner
	logs   SyncLogReader
	logger *slog.Logger
}

// NewSyncHandler создаёт обработчики синхронизации.
func NewSyncHandler(runner SyncRunner, logs SyncLogReader, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		runner: runner,
		logs:   logs,
		logger: logger.With(slog.String("component", "sync_handler")),
	}
}

// --- DTO ---

type triggerSyncRequest struct {
	Entity    string `json:"entity"`
	Operation string `json:"operation"`
}

type syncErrorResponse struct {
	ExternalID string `json:"externalId"`
	EntityType string `json:"entityType"`
	Message    string `json:"message"`
}

type syncLogResponse struct {
	ID             string              `json:"id"`
	Entity         string              `json:"entity"`
	Operation      string              `json:"operation"`
	Status         string              `json:"status"`
	StartedAt      time.Time           `json:"startedAt"`
	FinishedAt     *time.Time          `json:"finishedAt"`
	TotalItems     int                 `json:"totalItems"`
	TotalProcessed int                 `json:"totalProcessed"`
	TotalSuccess   int                 `json:"totalSuccess"`
	TotalFailed    int                 `json:"totalFailed"`
	Errors         []syncErrorResponse `json:"errors"`
	TriggeredBy    string              `json:"triggeredBy"`
}

type entityStatusResponse struct {
	Entity string           `json:"entity"`
	Status string           `json:"status"`
	Stale  bool             `json:"stale"`
	Latest *syncLogResponse `json:"latest"`
}

type syncStatusResponse struct {
	Items []entityStatusResponse `json:"items"`
}

type syncLogListResponse struct {
	Items []syncLogResponse `json:"items"`
	// Count — число записей в ответе, не размер всей истории
	Count int `json:"count"`
}

func toSyncLogResponse(e *model.SyncLogEntry) syncLogResponse {
	errs := make([]syncErrorResponse, 0, len(e.Errors))
	for _, se := range e.Errors {
		errs = append(errs, syncErrorResponse{
			ExternalID: se.ExternalID,
			EntityType: string(se.EntityType),
			Message:    se.Message,
		})
	}
	return syncLogResponse{
		ID:             e.ID,
		Entity:         string(e.EntityType),
		Operation:      string(e.Operation),
		Status:         string(e.Status),
		StartedAt:      e.StartedAt.UTC(),
		FinishedAt:     utcPtr(e.FinishedAt),
		TotalItems:     e.TotalItems,
		TotalProcessed: e.ProcessedItems,
		TotalSuccess:   e.SuccessfulItems,
		TotalFailed:    e.FailedItems,
		Errors:         errs,
		TriggeredBy:    e.TriggeredBy,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// --- Handlers ---

// TriggerSync — POST /api/v1/sync. Выполняет запуск синхронно и возвращает
// итоговую запись журнала. Отключение клиента не прерывает запуск.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("некорректное тело запроса: %v", err))
		return
	}

	entity, err := model.ParseEntityType(req.Entity)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	op, err := model.ParseOperation(req.Operation)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	triggeredBy := middleware.IdentityFromContext(r.Context())
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	entry, err := h.runner.RunSync(context.WithoutCancel(r.Context()), entity, op, triggeredBy)
	if err != nil {
		h.writeRunError(w, entry, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncLogResponse(entry))
}

// writeRunError отображает ошибку запуска в HTTP-ответ.
func (h *SyncHandler) writeRunError(w http.ResponseWriter, entry *model.SyncLogEntry, err error) {
	logID := ""
	if entry != nil {
		logID = entry.ID
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrUnsupportedOperation):
		apierrors.UnsupportedOperation(w, err.Error())
	case errors.Is(err, service.ErrSyncAlreadyRunning):
		apierrors.SyncAlreadyRunning(w, err.Error())
	case pddikti.IsAuthentication(err):
		apierrors.RegistryAuthFailed(w, err.Error(), logID)
	case pddikti.IsUnavailable(err):
		apierrors.RegistryUnavailable(w, err.Error(), logID)
	default:
		h.logger.Error("Ошибка запуска синхронизации",
			slog.String("sync_log_id", logID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при выполнении синхронизации")
	}
}

// GetSyncStatus — GET /api/v1/sync/status.
func (h *SyncHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.logs.LatestStatus(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статуса синхронизации", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении статуса")
		return
	}

	resp := syncStatusResponse{Items: make([]entityStatusResponse, 0, len(statuses))}
	for _, st := range statuses {
		item := entityStatusResponse{
			Entity: string(st.EntityType),
			Status: string(st.Status),
			Stale:  st.Stale,
		}
		if st.Latest != nil {
			latest := toSyncLogResponse(st.Latest)
			item.Latest = &latest
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSyncLogs — GET /api/v1/sync/logs?syncType=&limit=.
func (h *SyncHandler) ListSyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entity *model.EntityType
	if raw := q.Get("syncType"); raw != "" {
		et, err := model.ParseEntityType(raw)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		entity = &et
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierrors.ValidationError(w, fmt.Sprintf("limit: ожидается целое число от 1 до %d", service.MaxLogsLimit))
			return
		}
		limit = n
	}

	entries, err := h.logs.ListLogs(r.Context(), entity, limit)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка получения журнала синхронизации", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении журнала")
		return
	}

	resp := syncLogListResponse{Items: make([]syncLogResponse, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		resp.Items = append(resp.Items, toSyncLogResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSyncLog — GET /api/v1/sync/logs/{id}.
func (h *SyncHandler) GetSyncLog(w http.ResponseWriter, r *http.Request) {
	entry, err := h.logs.GetLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			apierrors.ValidationError(w, err.Error())
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, "Запись журнала синхронизации не найдена")
		default:
			h.logger.Error("Ошибка получения записи журнала", slog.String("error", err.Error()))
			apierrors.InternalError(w, "Внутренняя ошибка при получении записи журнала")
		}
		return
	}
	writeJSON(w, http.StatusOK, toSyncLogResponse(entry))
}
