package model

import (
	"fmt"
	"time"
)

// SyncStatus — статус запуска синхронизации.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
	// SyncStatusNeverSynced — не хранится в БД, возвращается запросом статуса,
	// если для типа сущности не было ни одного запуска.
	SyncStatusNeverSynced SyncStatus = "never_synced"
)

// validTransitions — матрица допустимых переходов статуса запуска.
// Терминальные статусы не имеют исходящих переходов.
var validTransitions = map[SyncStatus]map[SyncStatus]bool{
	SyncStatusPending:    {SyncStatusInProgress: true},
	SyncStatusInProgress: {SyncStatusCompleted: true, SyncStatusFailed: true},
	SyncStatusCompleted:  {},
	SyncStatusFailed:     {},
}

// CanTransitionTo проверяет, допустим ли переход в указанный статус.
func (s SyncStatus) CanTransitionTo(target SyncStatus) bool {
	return validTransitions[s][target]
}

// IsTerminal — статус окончательный (completed или failed).
func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// TransitionError — попытка недопустимого перехода статуса запуска.
type TransitionError struct {
	From SyncStatus
	To   SyncStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход статуса синхронизации: %s → %s", e.From, e.To)
}

// SyncError — ошибка обработки одной записи в рамках запуска.
// Список ошибок запуска только пополняется.
type SyncError struct {
	ExternalID string     `json:"externalId"`
	EntityType EntityType `json:"entityType"`
	Message    string     `json:"message"`
}

// SyncLogEntry — запись журнала одного запуска синхронизации.
// Хранится в таблице sync_logs.
type SyncLogEntry struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity"`
	Operation  Operation  `json:"operation"`
	Status     SyncStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	// FinishedAt — задаётся только при переходе в терминальный статус
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// HeartbeatAt — время последнего обновления прогресса; по нему
	// определяются брошенные запуски
	HeartbeatAt     time.Time   `json:"heartbeatAt"`
	TotalItems      int         `json:"totalItems"`
	ProcessedItems  int         `json:"totalProcessed"`
	SuccessfulItems int         `json:"totalSuccess"`
	FailedItems     int         `json:"totalFailed"`
	Errors          []SyncError `json:"errors"`
	// TriggeredBy — инициатор запуска (scheduler, cli, subject из JWT)
	TriggeredBy string    `json:"triggeredBy"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// TransitionTo переводит запись в новый статус с проверкой допустимости.
// При переходе в терминальный статус проставляется FinishedAt.
func (e *SyncLogEntry) TransitionTo(target SyncStatus, now time.Time) error {
	if !e.Status.CanTransitionTo(target) {
		return &TransitionError{From: e.Status, To: target}
	}
	e.Status = target
	if target.IsTerminal() {
		e.FinishedAt = &now
	}
	return nil
}

// IsStale — запись в статусе in_progress без обновлений дольше staleAfter.
func (e *SyncLogEntry) IsStale(now time.Time, staleAfter time.Duration) bool {
	return e.Status == SyncStatusInProgress && staleAfter > 0 && now.Sub(e.HeartbeatAt) > staleAfter
}
