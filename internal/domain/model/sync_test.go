package model

import (
	"errors"
	"testing"
	"time"
)

func TestSyncStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to SyncStatus
		allowed  bool
	}{
		{SyncStatusPending, SyncStatusInProgress, true},
		{SyncStatusPending, SyncStatusCompleted, false},
		{SyncStatusInProgress, SyncStatusCompleted, true},
		{SyncStatusInProgress, SyncStatusFailed, true},
		{SyncStatusInProgress, SyncStatusPending, false},
		{SyncStatusCompleted, SyncStatusInProgress, false},
		{SyncStatusCompleted, SyncStatusFailed, false},
		{SyncStatusFailed, SyncStatusInProgress, false},
		{SyncStatusFailed, SyncStatusCompleted, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s → %s: получено %v, ожидалось %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestSyncLogEntry_TransitionTo(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := &SyncLogEntry{Status: SyncStatusInProgress}

	if err := entry.TransitionTo(SyncStatusCompleted, now); err != nil {
		t.Fatalf("in_progress → completed: неожиданная ошибка: %v", err)
	}
	if entry.FinishedAt == nil || !entry.FinishedAt.Equal(now) {
		t.Errorf("FinishedAt = %v, ожидалось %v", entry.FinishedAt, now)
	}

	// Терминальный статус не открывается повторно
	err := entry.TransitionTo(SyncStatusFailed, now.Add(time.Minute))
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидалась TransitionError, получена %v", err)
	}
	if te.From != SyncStatusCompleted || te.To != SyncStatusFailed {
		t.Errorf("TransitionError = %+v", te)
	}
	if entry.Status != SyncStatusCompleted {
		t.Errorf("статус изменился после отказа: %s", entry.Status)
	}
}

func TestSyncLogEntry_IsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		entry SyncLogEntry
		stale bool
	}{
		{"свежий heartbeat", SyncLogEntry{Status: SyncStatusInProgress, HeartbeatAt: now.Add(-time.Minute)}, false},
		{"старый heartbeat", SyncLogEntry{Status: SyncStatusInProgress, HeartbeatAt: now.Add(-time.Hour)}, true},
		{"завершённый запуск", SyncLogEntry{Status: SyncStatusCompleted, HeartbeatAt: now.Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.IsStale(now, 15*time.Minute); got != tt.stale {
				t.Errorf("IsStale() = %v, ожидалось %v", got, tt.stale)
			}
		})
	}
}

func TestParseEntityTypeAndOperation(t *testing.T) {
	for _, s := range []string{"students", "lecturers", "courses", "study_programs"} {
		if _, err := ParseEntityType(s); err != nil {
			t.Errorf("ParseEntityType(%q): неожиданная ошибка: %v", s, err)
		}
	}
	if _, err := ParseEntityType("grades"); err == nil {
		t.Error("ParseEntityType(grades): ожидалась ошибка")
	}

	op, err := ParseOperation("")
	if err != nil || op != OperationPull {
		t.Errorf("ParseOperation(\"\") = %q, %v; ожидалось pull", op, err)
	}
	if _, err := ParseOperation("delete"); err == nil {
		t.Error("ParseOperation(delete): ожидалась ошибка")
	}
}
