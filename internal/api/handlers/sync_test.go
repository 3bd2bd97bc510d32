package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/siakad/pddikti-sync/internal/api/middleware"
	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRunner — подставной запуск синхронизации.
type stubRunner struct {
	entry *model.SyncLogEntry
	err   error

	gotEntity      model.EntityType
	gotOp          model.Operation
	gotTriggeredBy string
	ctxCancelled   bool
}

func (s *stubRunner) RunSync(ctx context.Context, entity model.EntityType, op model.Operation, triggeredBy string) (*model.SyncLogEntry, error) {
	s.gotEntity, s.gotOp, s.gotTriggeredBy = entity, op, triggeredBy
	s.ctxCancelled = ctx.Err() != nil
	return s.entry, s.err
}

// stubLogs — подставной журнал.
type stubLogs struct {
	statuses []service.EntitySyncStatus
	entries  []*model.SyncLogEntry
	err      error

	gotEntity *model.EntityType
	gotLimit  int
}

func (s *stubLogs) LatestStatus(context.Context) ([]service.EntitySyncStatus, error) {
	return s.statuses, s.err
}

func (s *stubLogs) ListLogs(_ context.Context, entity *model.EntityType, limit int) ([]*model.SyncLogEntry, error) {
	s.gotEntity, s.gotLimit = entity, limit
	return s.entries, s.err
}

func (s *stubLogs) GetLog(_ context.Context, id string) (*model.SyncLogEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, service.ErrNotFound
}

func completedEntry() *model.SyncLogEntry {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	return &model.SyncLogEntry{
		ID:              "11111111-1111-1111-1111-111111111111",
		EntityType:      model.EntityStudents,
		Operation:       model.OperationPull,
		Status:          model.SyncStatusCompleted,
		StartedAt:       started,
		FinishedAt:      &finished,
		TotalItems:      3,
		ProcessedItems:  3,
		SuccessfulItems: 2,
		FailedItems:     1,
		Errors:          []model.SyncError{{ExternalID: "E3", EntityType: model.EntityStudents, Message: "нет программы"}},
		TriggeredBy:     "operator",
	}
}

// newTestRouter собирает маршруты так же, как сервер, но без JWT.
func newTestRouter(h *SyncHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/sync", h.TriggerSync)
	r.Get("/api/v1/sync/status", h.GetSyncStatus)
	r.Get("/api/v1/sync/logs", h.ListSyncLogs)
	r.Get("/api/v1/sync/logs/{id}", h.GetSyncLog)
	return r
}

func doRequest(t *testing.T, handler http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ответ не JSON: %v, тело: %s", err, rec.Body.String())
	}
	return rec, body
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestTriggerSync_Success(t *testing.T) {
	runner := &stubRunner{entry: completedEntry()}
	router := newTestRouter(NewSyncHandler(runner, &stubLogs{}, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync",
		strings.NewReader(`{"entity":"students","operation":"pull"}`)).WithContext(
		middleware.WithClaims(ctx, &middleware.AuthClaims{Subject: "u-1", PreferredUsername: "operator"}))
	cancel()

	rec, body := doRequest(t, router, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело: %s", rec.Code, rec.Body.String())
	}
	if runner.gotEntity != model.EntityStudents || runner.gotOp != model.OperationPull {
		t.Errorf("запуск %s/%s", runner.gotEntity, runner.gotOp)
	}
	if runner.gotTriggeredBy != "operator" {
		t.Errorf("triggeredBy = %q, ожидался operator", runner.gotTriggeredBy)
	}
	if runner.ctxCancelled {
		t.Error("отмена запроса не должна передаваться в запуск")
	}

	for key, want := range map[string]any{
		"id":             "11111111-1111-1111-1111-111111111111",
		"entity":         "students",
		"operation":      "pull",
		"status":         "completed",
		"totalProcessed": float64(3),
		"totalSuccess":   float64(2),
		"totalFailed":    float64(1),
	} {
		if body[key] != want {
			t.Errorf("%s = %v, ожидалось %v", key, body[key], want)
		}
	}
	if errs, _ := body["errors"].([]any); len(errs) != 1 {
		t.Errorf("errors = %v, ожидалась одна ошибка", body["errors"])
	}
	if body["finishedAt"] != "2026-03-01T10:01:00Z" {
		t.Errorf("finishedAt = %v", body["finishedAt"])
	}
}

func TestTriggerSync_DefaultOperationAndAnonymous(t *testing.T) {
	runner := &stubRunner{entry: completedEntry()}
	router := newTestRouter(NewSyncHandler(runner, &stubLogs{}, testLogger()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(`{"entity":"courses"}`))
	rec, _ := doRequest(t, router, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}
	if runner.gotOp != model.OperationPull {
		t.Errorf("операция по умолчанию %s, ожидался pull", runner.gotOp)
	}
	if runner.gotTriggeredBy != "api" {
		t.Errorf("triggeredBy без JWT = %q, ожидался api", runner.gotTriggeredBy)
	}
}

func TestTriggerSync_Errors(t *testing.T) {
	failed := completedEntry()
	failed.Status = model.SyncStatusFailed

	tests := []struct {
		name     string
		body     string
		entry    *model.SyncLogEntry
		err      error
		wantCode int
		wantErr  string
		wantLog  bool
	}{
		{name: "битый JSON", body: `{"entity":`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "лишнее поле", body: `{"entity":"students","force":true}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "неизвестный тип", body: `{"entity":"faculties"}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{name: "неизвестная операция", body: `{"entity":"students","operation":"merge"}`, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_ERROR"},
		{
			name: "push программ", body: `{"entity":"study_programs","operation":"push"}`,
			err: service.ErrUnsupportedOperation, wantCode: http.StatusBadRequest, wantErr: "UNSUPPORTED_OPERATION",
		},
		{
			name: "уже выполняется", body: `{"entity":"students"}`,
			err: service.ErrSyncAlreadyRunning, wantCode: http.StatusConflict, wantErr: "SYNC_ALREADY_RUNNING",
		},
		{
			name: "реестр недоступен", body: `{"entity":"students"}`, entry: failed,
			err:      &pddikti.RegistryUnavailableError{Op: "fetch", Err: errors.New("503")},
			wantCode: http.StatusBadGateway, wantErr: "REGISTRY_UNAVAILABLE", wantLog: true,
		},
		{
			name: "отказ аутентификации", body: `{"entity":"students"}`, entry: failed,
			err:      &pddikti.AuthenticationError{Err: errors.New("401")},
			wantCode: http.StatusBadGateway, wantErr: "REGISTRY_AUTH_FAILED", wantLog: true,
		},
		{
			name: "сбой БД", body: `{"entity":"students"}`,
			err: errors.New("connection refused"), wantCode: http.StatusInternalServerError, wantErr: "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{entry: tt.entry, err: tt.err}
			router := newTestRouter(NewSyncHandler(runner, &stubLogs{}, testLogger()))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(tt.body))
			rec, body := doRequest(t, router, req)

			if rec.Code != tt.wantCode {
				t.Errorf("статус %d, ожидался %d", rec.Code, tt.wantCode)
			}
			if got := errorCode(body); got != tt.wantErr {
				t.Errorf("код ошибки %q, ожидался %q", got, tt.wantErr)
			}
			e, _ := body["error"].(map[string]any)
			if _, has := e["syncLogId"]; has != tt.wantLog {
				t.Errorf("syncLogId в ответе: %v, ожидалось %v", has, tt.wantLog)
			}
		})
	}
}

func TestGetSyncStatus(t *testing.T) {
	latest := completedEntry()
	logs := &stubLogs{statuses: []service.EntitySyncStatus{
		{EntityType: model.EntityStudyPrograms, Status: model.SyncStatusNeverSynced},
		{EntityType: model.EntityStudents, Status: model.SyncStatusCompleted, Latest: latest},
	}}
	router := newTestRouter(NewSyncHandler(&stubRunner{}, logs, testLogger()))

	rec, body := doRequest(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}

	items, _ := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", body["items"])
	}
	first, _ := items[0].(map[string]any)
	if first["status"] != "never_synced" || first["latest"] != nil {
		t.Errorf("never_synced отдан неверно: %v", first)
	}
	second, _ := items[1].(map[string]any)
	if l, _ := second["latest"].(map[string]any); l["id"] != latest.ID {
		t.Errorf("последний запуск студентов: %v", second["latest"])
	}
}

func TestListSyncLogs(t *testing.T) {
	t.Run("фильтр и лимит", func(t *testing.T) {
		logs := &stubLogs{entries: []*model.SyncLogEntry{completedEntry()}}
		router := newTestRouter(NewSyncHandler(&stubRunner{}, logs, testLogger()))

		rec, body := doRequest(t, router,
			httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs?syncType=students&limit=5", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("статус %d", rec.Code)
		}
		if logs.gotEntity == nil || *logs.gotEntity != model.EntityStudents || logs.gotLimit != 5 {
			t.Errorf("параметры выборки: %v, %d", logs.gotEntity, logs.gotLimit)
		}
		if body["count"] != float64(1) {
			t.Errorf("count = %v", body["count"])
		}
		if _, ok := body["total"]; ok {
			t.Error("поле total не должно возвращаться: размер истории неизвестен")
		}
	})

	t.Run("пустой журнал — пустой массив", func(t *testing.T) {
		router := newTestRouter(NewSyncHandler(&stubRunner{}, &stubLogs{}, testLogger()))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs", nil))
		if !strings.Contains(rec.Body.String(), `"items":[]`) {
			t.Errorf("ожидался пустой массив items, тело: %s", rec.Body.String())
		}
	})

	for _, query := range []string{"syncType=faculties", "limit=abc", "limit=0"} {
		t.Run("некорректный "+query, func(t *testing.T) {
			router := newTestRouter(NewSyncHandler(&stubRunner{}, &stubLogs{}, testLogger()))
			rec, body := doRequest(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs?"+query, nil))
			if rec.Code != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
				t.Errorf("статус %d, код %q", rec.Code, errorCode(body))
			}
		})
	}

	t.Run("лимит больше максимума", func(t *testing.T) {
		logs := &stubLogs{err: service.ErrValidation}
		router := newTestRouter(NewSyncHandler(&stubRunner{}, logs, testLogger()))
		rec, _ := doRequest(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs?limit=1000", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("статус %d, ожидался 400", rec.Code)
		}
	})
}

func TestGetSyncLog(t *testing.T) {
	entry := completedEntry()
	router := newTestRouter(NewSyncHandler(&stubRunner{}, &stubLogs{entries: []*model.SyncLogEntry{entry}}, testLogger()))

	rec, body := doRequest(t, router, httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs/"+entry.ID, nil))
	if rec.Code != http.StatusOK || body["id"] != entry.ID {
		t.Errorf("статус %d, тело %v", rec.Code, body)
	}

	rec, body = doRequest(t, router,
		httptest.NewRequest(http.MethodGet, "/api/v1/sync/logs/22222222-2222-2222-2222-222222222222", nil))
	if rec.Code != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Errorf("несуществующая запись: статус %d, код %q", rec.Code, errorCode(body))
	}
}
