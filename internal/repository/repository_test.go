package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/siakad/pddikti-sync/internal/config"
	"github.com/bigkaa/siakad/pddikti-sync/internal/database"
	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("siakad_test"),
		postgres.WithUsername("siakad"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("PS_DB_HOST", host)
	t.Setenv("PS_DB_PORT", port.Port())
	t.Setenv("PS_DB_NAME", "siakad_test")
	t.Setenv("PS_DB_USER", "siakad")
	t.Setenv("PS_DB_PASSWORD", "test-password")
	t.Setenv("PS_DB_SSL_MODE", "disable")
	t.Setenv("PS_PDDIKTI_URL", "http://localhost:9999")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func ptr[T any](v T) *T { return &v }

func createProgram(t *testing.T, store *Store, code string) *model.StudyProgram {
	t.Helper()
	sp := &model.StudyProgram{
		ID:         uuid.New().String(),
		ExternalID: ptr("prodi-" + code),
		Code:       code,
		Name:       "Program " + code,
		Status:     model.StatusActive,
	}
	if err := store.StudyPrograms.Create(context.Background(), sp); err != nil {
		t.Fatalf("Create(study_program) ошибка: %v", err)
	}
	return sp
}

func createUser(t *testing.T, store *Store, username string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "$2a$10$hash",
		FullName:     "User " + username,
		Role:         model.UserRoleStudent,
	}
	if err := store.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(user) ошибка: %v", err)
	}
	return u
}

func TestStudyProgramRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(pool)

	sp := createProgram(t, store, "55201")
	if sp.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	got, err := store.StudyPrograms.FindByCode(ctx, "55201")
	if err != nil {
		t.Fatalf("FindByCode() ошибка: %v", err)
	}
	if got.ID != sp.ID {
		t.Errorf("FindByCode() вернул %s, ожидался %s", got.ID, sp.ID)
	}

	got, err = store.StudyPrograms.FindByExternalID(ctx, "prodi-55201")
	if err != nil || got.ID != sp.ID {
		t.Fatalf("FindByExternalID() = %v, %v", got, err)
	}

	sp.Name = "Teknik Informatika"
	if err := store.StudyPrograms.Update(ctx, sp); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	got, _ = store.StudyPrograms.GetByID(ctx, sp.ID)
	if got.Name != "Teknik Informatika" {
		t.Errorf("Name = %q после обновления", got.Name)
	}

	dup := &model.StudyProgram{ID: uuid.New().String(), Code: "55201", Name: "dup", Status: model.StatusActive}
	if err := store.StudyPrograms.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("ожидался ErrConflict для дублирующегося кода, получен %v", err)
	}

	if _, err := store.StudyPrograms.FindByCode(ctx, "00000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound, получен %v", err)
	}
}

func TestStudentRepository_LinkAndListUnlinked(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	store := NewStore(pool)

	sp := createProgram(t, store, "55201")

	var ids []string
	for _, nim := range []string{"2020103001", "2020103002", "2020103003"} {
		u := createUser(t, store, nim)
		s := &model.Student{
			ID:             uuid.New().String(),
			UserID:         u.ID,
			StudyProgramID: sp.ID,
			NIM:            nim,
			FullName:       "Mahasiswa " + nim,
			EntryYear:      2020,
			Status:         model.StatusActive,
		}
		if err := store.Students.Create(ctx, s); err != nil {
			t.Fatalf("Create(student) ошибка: %v", err)
		}
		ids = append(ids, s.ID)
	}

	// Связываем одного студента с реестром
	linked, err := store.Students.FindByNIM(ctx, "2020103002")
	if err != nil {
		t.Fatalf("FindByNIM() ошибка: %v", err)
	}
	linked.ExternalID = ptr("pd-2")
	if err := store.Students.Update(ctx, linked); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}
	if got, err := store.Students.FindByExternalID(ctx, "pd-2"); err != nil || got.ID != linked.ID {
		t.Fatalf("FindByExternalID() = %v, %v", got, err)
	}

	// Keyset-пагинация по одному
	var seen []string
	after := ""
	for {
		page, err := store.Students.ListUnlinked(ctx, after, 1)
		if err != nil {
			t.Fatalf("ListUnlinked() ошибка: %v", err)
		}
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].NIM)
		after = page[0].ID
	}
	if len(seen) != 2 {
		t.Errorf("ожидалось 2 несвязанных студента, получено %v", seen)
	}
}

func TestTxRunner_Rollback(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	runner := NewTxRunner(pool)

	sentinel := errors.New("откат")
	err := runner.RunInTx(ctx, func(s *Store) error {
		createUser(t, s, "0011223344")
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunInTx() = %v, ожидалась исходная ошибка", err)
	}

	if _, err := NewStore(pool).Users.FindByUsername(ctx, "0011223344"); !errors.Is(err, ErrNotFound) {
		t.Errorf("учётная запись должна быть откачена, получено %v", err)
	}
}

func TestSyncLogRepository_Lifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSyncLogRepository(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := &model.SyncLogEntry{
		ID:          uuid.New().String(),
		EntityType:  model.EntityStudents,
		Operation:   model.OperationPull,
		Status:      model.SyncStatusInProgress,
		StartedAt:   now,
		HeartbeatAt: now,
		TriggeredBy: "test",
	}
	if err := repo.Create(ctx, entry); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	entry.ProcessedItems = 2
	entry.SuccessfulItems = 1
	entry.FailedItems = 1
	entry.Errors = []model.SyncError{{ExternalID: "pd-9", EntityType: model.EntityStudents, Message: "программа не найдена"}}
	if err := entry.TransitionTo(model.SyncStatusCompleted, now.Add(time.Second)); err != nil {
		t.Fatalf("TransitionTo() ошибка: %v", err)
	}
	if err := repo.Update(ctx, entry); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}

	got, err := repo.LatestByType(ctx, model.EntityStudents)
	if err != nil {
		t.Fatalf("LatestByType() ошибка: %v", err)
	}
	if got.Status != model.SyncStatusCompleted || got.FinishedAt == nil {
		t.Errorf("статус = %s, finishedAt = %v", got.Status, got.FinishedAt)
	}
	if len(got.Errors) != 1 || got.Errors[0].ExternalID != "pd-9" {
		t.Errorf("Errors = %+v", got.Errors)
	}

	// Завершённую запись обновить нельзя
	if err := repo.Update(ctx, entry); !errors.Is(err, ErrLogFinalized) {
		t.Errorf("ожидался ErrLogFinalized, получен %v", err)
	}

	if _, err := repo.LatestByType(ctx, model.EntityCourses); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound для типа без запусков, получен %v", err)
	}

	students := model.EntityStudents
	list, err := repo.List(ctx, &students, 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %d записей, %v", len(list), err)
	}
}

func TestSyncLogRepository_ListStale(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSyncLogRepository(pool)

	now := time.Now().UTC()
	stale := &model.SyncLogEntry{
		ID: uuid.New().String(), EntityType: model.EntityCourses, Operation: model.OperationPull,
		Status: model.SyncStatusInProgress, StartedAt: now.Add(-2 * time.Hour), HeartbeatAt: now.Add(-time.Hour),
	}
	fresh := &model.SyncLogEntry{
		ID: uuid.New().String(), EntityType: model.EntityLecturers, Operation: model.OperationPull,
		Status: model.SyncStatusInProgress, StartedAt: now, HeartbeatAt: now,
	}
	for _, e := range []*model.SyncLogEntry{stale, fresh} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	list, err := repo.ListStale(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("ListStale() ошибка: %v", err)
	}
	if len(list) != 1 || list[0].ID != stale.ID {
		t.Errorf("ListStale() вернул %d записей, ожидалась только зависшая", len(list))
	}
}

func TestAdvisoryLocker(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	locker := NewAdvisoryLocker(pool)

	release, ok, err := locker.TryLock(ctx, "pddikti-sync:students")
	if err != nil || !ok {
		t.Fatalf("первая TryLock() = %v, %v", ok, err)
	}

	if _, ok, err := locker.TryLock(ctx, "pddikti-sync:students"); err != nil || ok {
		t.Errorf("вторая TryLock() должна вернуть false, получено %v, %v", ok, err)
	}

	// Другой ключ не блокируется
	releaseOther, ok, err := locker.TryLock(ctx, "pddikti-sync:courses")
	if err != nil || !ok {
		t.Fatalf("TryLock() другого ключа = %v, %v", ok, err)
	}
	releaseOther()

	release()
	release2, ok, err := locker.TryLock(ctx, "pddikti-sync:students")
	if err != nil || !ok {
		t.Fatalf("TryLock() после release = %v, %v", ok, err)
	}
	release2()
}
