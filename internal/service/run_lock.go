package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// AdvisoryLocker — межпроцессная блокировка (PostgreSQL advisory lock).
// Реализуется repository.AdvisoryLocker.
type AdvisoryLocker interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// runLock — не более одного запуска на тип сущности. Внутри процесса —
// семафор на тип, между репликами — advisory lock (если задан).
type runLock struct {
	mu       sync.Mutex
	sems     map[model.EntityType]*semaphore.Weighted
	advisory AdvisoryLocker
}

func newRunLock(advisory AdvisoryLocker) *runLock {
	return &runLock{
		sems:     make(map[model.EntityType]*semaphore.Weighted),
		advisory: advisory,
	}
}

func (l *runLock) semaphore(entity model.EntityType) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[entity]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[entity] = sem
	}
	return sem
}

// acquire берёт блокировку без ожидания. Занята — ErrSyncAlreadyRunning.
func (l *runLock) acquire(ctx context.Context, entity model.EntityType) (func(), error) {
	sem := l.semaphore(entity)
	if !sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %s", ErrSyncAlreadyRunning, entity)
	}
	if l.advisory == nil {
		return func() { sem.Release(1) }, nil
	}

	release, acquired, err := l.advisory.TryLock(ctx, advisoryKey(entity))
	if err != nil {
		sem.Release(1)
		return nil, err
	}
	if !acquired {
		sem.Release(1)
		return nil, fmt.Errorf("%w: %s (другая реплика)", ErrSyncAlreadyRunning, entity)
	}

	return func() {
		release()
		sem.Release(1)
	}, nil
}

func advisoryKey(entity model.EntityType) string {
	return "pddikti-sync:" + string(entity)
}
