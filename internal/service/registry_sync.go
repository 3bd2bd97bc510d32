// registry_sync.go — оркестратор синхронизации с реестром PDDIKTI.
//
// RunSync выполняет один запуск для одного типа сущности:
//  1. Блокировка типа сущности (повторный запуск — ErrSyncAlreadyRunning)
//  2. Запись журнала в статусе in_progress до первого сетевого вызова
//  3. pull/validate: постраничная загрузка до пустой страницы, сопоставление
//     каждой записи с локальной; push: выгрузка несвязанных локальных записей
//  4. Однократное завершение записи журнала (completed/failed)
//
// Ошибка отдельной записи попадает в журнал и не прерывает запуск.
// Ошибка реестра (аутентификация, недоступность) завершает запуск со статусом failed.
//
// Prometheus-метрики:
//   - ps_sync_runs_total — завершённые запуски по статусу
//   - ps_sync_duration_seconds — длительность запуска
//   - ps_sync_items_total — обработанные записи (success/failed)
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_sync_runs_total",
		Help: "Количество завершённых запусков синхронизации",
	}, []string{"entity", "operation", "status"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ps_sync_duration_seconds",
		Help:    "Длительность запуска синхронизации",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s … ~819s
	}, []string{"entity", "operation"})

	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ps_sync_items_total",
		Help: "Количество обработанных записей по результату",
	}, []string{"entity", "outcome"}) // outcome: success, failed
)

// finalizeTimeout — время на запись итогового статуса после отмены контекста вызывающего.
const finalizeTimeout = 10 * time.Second

// RegistryClient — операции реестра, нужные оркестратору. Реализуется *pddikti.Client.
type RegistryClient interface {
	FetchEntities(ctx context.Context, entity model.EntityType, pr pddikti.PageRequest) (*pddikti.Page, error)
	PushEntity(ctx context.Context, entity model.EntityType, payload pddikti.RemoteRecord) (pddikti.RemoteRecord, error)
}

// SyncOptions — параметры запусков. Нулевые значения заменяются значениями по умолчанию.
type SyncOptions struct {
	// PageSize — размер страницы загрузки и порции выгрузки
	PageSize int
	// FetchRetries — число попыток получения страницы при недоступности реестра
	FetchRetries int
	// RetryInitialInterval — первая пауза экспоненциального backoff
	RetryInitialInterval time.Duration
	DependencyCacheSize  int
	DependencyCacheTTL   time.Duration
	// PasswordCost — стоимость bcrypt для паролей создаваемых учётных записей
	PasswordCost int
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.FetchRetries <= 0 {
		o.FetchRetries = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 500 * time.Millisecond
	}
	if o.DependencyCacheSize <= 0 {
		o.DependencyCacheSize = 1024
	}
	if o.DependencyCacheTTL <= 0 {
		o.DependencyCacheTTL = 5 * time.Minute
	}
	if o.PasswordCost == 0 {
		o.PasswordCost = bcrypt.DefaultCost
	}
	return o
}

// RegistrySyncService — синхронизация локальных записей с реестром.
type RegistrySyncService struct {
	registry RegistryClient
	tx       repository.Transactor
	logs     repository.SyncLogRepository
	lock     *runLock
	handlers map[model.EntityType]entityHandler
	opts     SyncOptions
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistrySyncService создаёт оркестратор синхронизации.
// advisory == nil — блокировка только внутри процесса.
func NewRegistrySyncService(
	registry RegistryClient,
	tx repository.Transactor,
	logs repository.SyncLogRepository,
	advisory AdvisoryLocker,
	opts SyncOptions,
	logger *slog.Logger,
) *RegistrySyncService {
	opts = opts.withDefaults()
	programs := newStudyProgramResolver(opts.DependencyCacheSize, opts.DependencyCacheTTL)
	accounts := &accountProvisioner{cost: opts.PasswordCost}

	handlers := make(map[model.EntityType]entityHandler)
	for _, h := range []entityHandler{
		&studyProgramHandler{programs: programs},
		&lecturerHandler{programs: programs, accounts: accounts},
		&courseHandler{programs: programs},
		&studentHandler{programs: programs, accounts: accounts},
	} {
		handlers[h.entity()] = h
	}

	return &RegistrySyncService{
		registry: registry,
		tx:       tx,
		logs:     logs,
		lock:     newRunLock(advisory),
		handlers: handlers,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "registry_sync")),
	}
}

// RunSync выполняет один запуск синхронизации.
//
// Возвращает запись журнала в терминальном статусе. При сбое реестра
// возвращаются и запись (status=failed), и ошибка. Если запись журнала
// не создана (блокировка занята, неверные параметры, сбой БД), запись — nil.
func (s *RegistrySyncService) RunSync(
	ctx context.Context,
	entity model.EntityType,
	op model.Operation,
	triggeredBy string,
) (*model.SyncLogEntry, error) {
	h, ok := s.handlers[entity]
	if !ok {
		return nil, fmt.Errorf("%w: неизвестный тип сущности %q", ErrValidation, entity)
	}

	var pusher pushHandler
	switch op {
	case model.OperationPull, model.OperationValidate:
	case model.OperationPush:
		if pusher, ok = h.(pushHandler); !ok {
			return nil, fmt.Errorf("%w: %s для %s", ErrUnsupportedOperation, op, entity)
		}
	default:
		return nil, fmt.Errorf("%w: неизвестная операция %q", ErrValidation, op)
	}

	release, err := s.lock.acquire(ctx, entity)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := s.startRun(ctx, entity, op, triggeredBy)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run.logger.Info("Запуск синхронизации начат", slog.String("triggered_by", run.entry.TriggeredBy))

	var runErr error
	if op == model.OperationPush {
		runErr = s.push(ctx, run, pusher)
	} else {
		runErr = s.pull(ctx, run, h, op == model.OperationValidate)
	}

	entry, finishErr := run.finish(ctx, runErr)

	syncDuration.WithLabelValues(string(entity), string(op)).Observe(time.Since(start).Seconds())
	syncRunsTotal.WithLabelValues(string(entity), string(op), string(entry.Status)).Inc()

	attrs := []any{
		slog.String("status", string(entry.Status)),
		slog.Int("processed", entry.ProcessedItems),
		slog.Int("successful", entry.SuccessfulItems),
		slog.Int("failed", entry.FailedItems),
		slog.Duration("duration", time.Since(start)),
	}
	if runErr != nil {
		run.logger.Error("Запуск синхронизации завершён с ошибкой",
			append(attrs, slog.String("error", runErr.Error()))...)
		return entry, runErr
	}
	if finishErr != nil {
		run.logger.Error("Ошибка завершения записи журнала",
			append(attrs, slog.String("error", finishErr.Error()))...)
		return entry, finishErr
	}
	run.logger.Info("Запуск синхронизации завершён", attrs...)
	return entry, nil
}

func (s *RegistrySyncService) startRun(
	ctx context.Context,
	entity model.EntityType,
	op model.Operation,
	triggeredBy string,
) (*runTracker, error) {
	if triggeredBy == "" {
		triggeredBy = "system"
	}

	now := s.now()
	entry := &model.SyncLogEntry{
		ID:          uuid.NewString(),
		EntityType:  entity,
		Operation:   op,
		Status:      model.SyncStatusPending,
		StartedAt:   now,
		HeartbeatAt: now,
		Errors:      []model.SyncError{},
		TriggeredBy: triggeredBy,
	}
	if err := entry.TransitionTo(model.SyncStatusInProgress, now); err != nil {
		return nil, err
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("ошибка создания записи журнала синхронизации: %w", err)
	}

	return &runTracker{
		logs:  s.logs,
		entry: entry,
		now:   s.now,
		logger: s.logger.With(
			slog.String("sync_id", entry.ID),
			slog.String("entity", string(entity)),
			slog.String("operation", string(op)),
		),
	}, nil
}

// pull — загрузка страниц до первой пустой. dryRun — без записи в локальную БД.
func (s *RegistrySyncService) pull(ctx context.Context, run *runTracker, h entityHandler, dryRun bool) error {
	for pageNum := 1; ; pageNum++ {
		page, err := s.fetchPage(ctx, run, h.entity(), pageNum)
		if err != nil {
			return err
		}
		if page.Empty() {
			return nil
		}

		run.entry.TotalItems += len(page.Records)
		for _, rec := range page.Records {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("запуск прерван: %w", err)
			}
			run.record(s.reconcileRecord(ctx, h, rec, dryRun))
		}

		if err := run.progress(ctx); err != nil {
			return err
		}
	}
}

// fetchPage получает страницу с повторами при недоступности реестра.
// Ошибка аутентификации и прочие ошибки не повторяются.
func (s *RegistrySyncService) fetchPage(
	ctx context.Context,
	run *runTracker,
	entity model.EntityType,
	pageNum int,
) (*pddikti.Page, error) {
	operation := func() (*pddikti.Page, error) {
		page, err := s.registry.FetchEntities(ctx, entity, pddikti.PageRequest{Page: pageNum, Limit: s.opts.PageSize})
		if err != nil && (pddikti.IsAuthentication(err) || !pddikti.IsUnavailable(err)) {
			return nil, backoff.Permanent(err)
		}
		return page, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval

	page, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.FetchRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			run.logger.Warn("Страница реестра недоступна, повтор",
				slog.Int("page", pageNum),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	// На последней попытке Retry возвращает ошибку без распаковки Permanent
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return page, err
}

// reconcileRecord обрабатывает одну запись реестра в отдельной транзакции.
func (s *RegistrySyncService) reconcileRecord(
	ctx context.Context,
	h entityHandler,
	rec pddikti.RemoteRecord,
	dryRun bool,
) *ItemError {
	key := rec.ExternalID()
	if err := rec.Validate(); err != nil {
		return &ItemError{Key: key, Err: err}
	}

	now := s.now()
	err := s.tx.RunInTx(ctx, func(st *repository.Store) error {
		return h.reconcile(ctx, st, rec, now, dryRun)
	})
	if err != nil {
		return &ItemError{Key: key, Err: err}
	}
	return nil
}

// push выгружает несвязанные локальные записи порциями (keyset по id).
func (s *RegistrySyncService) push(ctx context.Context, run *runTracker, h pushHandler) error {
	afterID := ""
	for {
		var batch []pushCandidate
		err := s.tx.RunInTx(ctx, func(st *repository.Store) error {
			var err error
			batch, err = h.listUnlinked(ctx, st, afterID, s.opts.PageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("ошибка получения несвязанных записей: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		run.entry.TotalItems += len(batch)
		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("запуск прерван: %w", err)
			}
			item, err := s.pushOne(ctx, h.entity(), c)
			if err != nil {
				return err
			}
			run.record(item)
		}

		if err := run.progress(ctx); err != nil {
			return err
		}
		if len(batch) < s.opts.PageSize {
			return nil
		}
		afterID = batch[len(batch)-1].localID
	}
}

// pushOne выгружает одну запись. Отказ реестра по записи и неподтверждённая
// выгрузка — ошибка записи, аутентификация и недоступность — ошибка запуска.
func (s *RegistrySyncService) pushOne(ctx context.Context, entity model.EntityType, c pushCandidate) (*ItemError, error) {
	if c.err != nil {
		return &ItemError{Key: c.key, Err: c.err}, nil
	}
	if err := pddikti.ValidatePayload(c.payload); err != nil {
		return &ItemError{Key: c.key, Err: err}, nil
	}

	accepted, err := s.registry.PushEntity(ctx, entity, c.payload)
	if err != nil {
		if pddikti.IsRejected(err) || pddikti.IsUnconfirmed(err) {
			return &ItemError{Key: c.key, Err: err}, nil
		}
		return nil, err
	}
	if accepted.ExternalID() == "" {
		return &ItemError{Key: c.key, Err: errors.New("реестр не вернул pddiktiId")}, nil
	}

	now := s.now()
	err = s.tx.RunInTx(ctx, func(st *repository.Store) error {
		return c.link(ctx, st, accepted.ExternalID(), now)
	})
	if err != nil {
		return &ItemError{Key: c.key, Err: fmt.Errorf("запись принята реестром как %s, но не связана: %w", accepted.ExternalID(), err)}, nil
	}
	return nil, nil
}

// runTracker — счётчики и журнал одного запуска. Запись журнала
// завершается ровно один раз.
type runTracker struct {
	logs      repository.SyncLogRepository
	entry     *model.SyncLogEntry
	now       func() time.Time
	logger    *slog.Logger
	finalized bool
}

// record учитывает результат обработки записи. item == nil — успех.
func (t *runTracker) record(item *ItemError) {
	entity := string(t.entry.EntityType)
	t.entry.ProcessedItems++
	if item == nil {
		t.entry.SuccessfulItems++
		syncItemsTotal.WithLabelValues(entity, "success").Inc()
		return
	}

	t.entry.FailedItems++
	t.entry.Errors = append(t.entry.Errors, model.SyncError{
		ExternalID: item.Key,
		EntityType: t.entry.EntityType,
		Message:    item.Err.Error(),
	})
	syncItemsTotal.WithLabelValues(entity, "failed").Inc()
	t.logger.Warn("Ошибка обработки записи",
		slog.String("key", item.Key),
		slog.String("error", item.Err.Error()),
	)
}

// progress сохраняет счётчики и heartbeat. Сбой записи прогресса не прерывает запуск,
// кроме случая, когда запись журнала уже завершена извне.
func (t *runTracker) progress(ctx context.Context) error {
	t.entry.HeartbeatAt = t.now()
	err := t.logs.Update(ctx, t.entry)
	if errors.Is(err, repository.ErrLogFinalized) {
		t.finalized = true
		return fmt.Errorf("%w: %s", ErrRunFinalized, t.entry.ID)
	}
	if err != nil {
		t.logger.Warn("Не удалось сохранить прогресс запуска", slog.String("error", err.Error()))
	}
	return nil
}

// finish переводит запись в completed (runErr == nil) или failed.
// Запись выполняется в контексте, не зависящем от отмены вызывающего.
func (t *runTracker) finish(ctx context.Context, runErr error) (*model.SyncLogEntry, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if t.finalized {
		if stored, err := t.logs.GetByID(fctx, t.entry.ID); err == nil {
			t.entry = stored
		}
		return t.entry, fmt.Errorf("%w: %s", ErrRunFinalized, t.entry.ID)
	}

	target := model.SyncStatusCompleted
	if runErr != nil {
		target = model.SyncStatusFailed
		t.entry.Errors = append(t.entry.Errors, model.SyncError{
			EntityType: t.entry.EntityType,
			Message:    runErr.Error(),
		})
	}

	now := t.now()
	if err := t.entry.TransitionTo(target, now); err != nil {
		return t.entry, err
	}
	t.entry.HeartbeatAt = now
	t.finalized = true

	if err := t.logs.Update(fctx, t.entry); err != nil {
		if errors.Is(err, repository.ErrLogFinalized) {
			return t.entry, fmt.Errorf("%w: %s", ErrRunFinalized, t.entry.ID)
		}
		return t.entry, fmt.Errorf("ошибка завершения записи журнала %s: %w", t.entry.ID, err)
	}
	return t.entry, nil
}
