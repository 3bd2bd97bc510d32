package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

// entityHandler сопоставляет записи реестра одного типа с локальными записями.
type entityHandler interface {
	entity() model.EntityType
	// reconcile выполняется в транзакции st. dryRun — только проверки, без записи.
	reconcile(ctx context.Context, st *repository.Store, rec pddikti.RemoteRecord, now time.Time, dryRun bool) error
}

// pushHandler — тип сущности, поддерживающий выгрузку в реестр.
type pushHandler interface {
	entityHandler
	// listUnlinked возвращает следующую порцию локальных записей без external_id.
	listUnlinked(ctx context.Context, st *repository.Store, afterID string, limit int) ([]pushCandidate, error)
}

// pushCandidate — локальная запись, подготовленная к выгрузке.
type pushCandidate struct {
	localID string
	// key — естественный ключ для журнала ошибок
	key     string
	payload pddikti.RemoteRecord
	// err — запись не удалось подготовить, выгрузка пропускается
	err error
	// link сохраняет назначенный реестром идентификатор
	link func(ctx context.Context, st *repository.Store, externalID string, now time.Time) error
}

func recordAs[T pddikti.RemoteRecord](rec pddikti.RemoteRecord) (T, error) {
	r, ok := rec.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: неожиданный тип записи %T", ErrValidation, rec)
	}
	return r, nil
}

// checkNaturalKeyLink разрешает привязку найденной по естественному ключу
// записи, только если она ещё не связана с другим идентификатором реестра.
func checkNaturalKeyLink(naturalKey string, linked *string, externalID string) error {
	if linked != nil && *linked != externalID {
		return &LinkConflictError{NaturalKey: naturalKey, LinkedTo: *linked}
	}
	return nil
}

// checkNaturalKeyFree проверяет, что naturalKey не занят записью, отличной от selfID.
// lookup возвращает идентификатор владельца ключа или repository.ErrNotFound.
func checkNaturalKeyFree(
	ctx context.Context,
	naturalKey, selfID string,
	lookup func(ctx context.Context, key string) (string, error),
) error {
	holderID, err := lookup(ctx, naturalKey)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return err
	case holderID != selfID:
		return &NaturalKeyTakenError{NaturalKey: naturalKey}
	}
	return nil
}

// resolveForUpdate — программа для уже существующей записи: если код в реестре
// не найден локально, сохраняется текущая привязка.
func resolveForUpdate(
	ctx context.Context,
	resolver *studyProgramResolver,
	repo repository.StudyProgramRepository,
	code, current string,
) (string, error) {
	id, err := resolver.resolve(ctx, repo, code)
	var missing *MissingDependencyError
	if errors.As(err, &missing) {
		return current, nil
	}
	return id, err
}

// programCode возвращает код программы обучения для выгрузки.
func programCode(ctx context.Context, repo repository.StudyProgramRepository, id string) (string, error) {
	sp, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", fmt.Errorf("программа обучения %s не найдена", id)
		}
		return "", err
	}
	return sp.Code, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusOrDefault(s string) string {
	if s == "" {
		return model.StatusActive
	}
	return s
}
