// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrSyncAlreadyRunning — запуск для этого типа сущности уже выполняется.
	ErrSyncAlreadyRunning = errors.New("синхронизация уже выполняется")
	// ErrUnsupportedOperation — операция не поддерживается для типа сущности.
	ErrUnsupportedOperation = errors.New("операция не поддерживается")
	// ErrRunFinalized — запись журнала запуска завершена извне (например, сборщиком брошенных запусков).
	ErrRunFinalized = errors.New("запуск уже завершён")
)

// ItemError — ошибка обработки одной записи. Не прерывает запуск.
type ItemError struct {
	// Key — внешний идентификатор записи, для выгрузки — естественный ключ
	Key string
	Err error
}

func (e *ItemError) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("запись %s: %v", e.Key, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// MissingDependencyError — не найдена программа обучения, на которую ссылается запись.
type MissingDependencyError struct {
	Entity model.EntityType
	Code   string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("зависимость не найдена: %s с кодом %q", e.Entity, e.Code)
}

// LinkConflictError — запись с тем же естественным ключом уже связана
// с другим идентификатором реестра.
type LinkConflictError struct {
	NaturalKey string
	LinkedTo   string
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("локальная запись %s уже связана с записью реестра %s", e.NaturalKey, e.LinkedTo)
}

// NaturalKeyTakenError — новый естественный ключ обновляемой записи
// уже принадлежит другой локальной записи.
type NaturalKeyTakenError struct {
	NaturalKey string
}

func (e *NaturalKeyTakenError) Error() string {
	return fmt.Sprintf("естественный ключ %s уже принадлежит другой локальной записи", e.NaturalKey)
}
