package model

import "time"

// Статус локальной записи по умолчанию, если реестр его не передал.
const StatusActive = "active"

// StudyProgram — программа обучения (prodi). Хранится в таблице study_programs.
// Естественный ключ — Code.
type StudyProgram struct {
	ID string
	// ExternalID — идентификатор записи в реестре (nil, пока запись не связана)
	ExternalID   *string
	Code         string
	Name         string
	DegreeLevel  string
	Status       string
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Student — студент (mahasiswa). Хранится в таблице students.
// Естественный ключ — NIM.
type Student struct {
	ID             string
	UserID         string
	StudyProgramID string
	ExternalID     *string
	NIM            string
	FullName       string
	Email          *string
	EntryYear      int
	Status         string
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lecturer — преподаватель (dosen). Хранится в таблице lecturers.
// Естественный ключ — NIDN. Привязка к программе обучения необязательна.
type Lecturer struct {
	ID             string
	UserID         string
	StudyProgramID *string
	ExternalID     *string
	NIDN           string
	FullName       string
	Email          *string
	Status         string
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Course — учебная дисциплина (mata kuliah). Хранится в таблице courses.
// Естественный ключ — Code.
type Course struct {
	ID             string
	StudyProgramID string
	ExternalID     *string
	Code           string
	Name           string
	Credits        int
	Semester       int
	Status         string
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExternalIDValue возвращает значение внешнего идентификатора или пустую строку.
func ExternalIDValue(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
