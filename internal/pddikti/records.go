package pddikti

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// RemoteRecord — запись реестра одного из типов сущностей.
// Набор реализаций закрыт: StudentRecord, LecturerRecord, CourseRecord,
// StudyProgramRecord и MalformedRecord.
type RemoteRecord interface {
	EntityType() model.EntityType
	// ExternalID — идентификатор записи в реестре (pddiktiId)
	ExternalID() string
	// Validate проверяет поля записи, полученной из реестра
	Validate() error

	validateContent() error
}

// ValidatePayload проверяет запись перед выгрузкой в реестр.
// В отличие от Validate, не требует pddiktiId: его назначает реестр.
func ValidatePayload(r RemoteRecord) error {
	return r.validateContent()
}

// StudentRecord — студент (mahasiswa) в реестре.
type StudentRecord struct {
	PddiktiID        string `json:"pddiktiId,omitempty"`
	NIM              string `json:"nim"`
	Name             string `json:"name"`
	Email            string `json:"email,omitempty"`
	StudyProgramCode string `json:"studyProgramCode"`
	EntryYear        int    `json:"entryYear,omitempty"`
	Status           string `json:"status,omitempty"`
}

func (r *StudentRecord) EntityType() model.EntityType { return model.EntityStudents }
func (r *StudentRecord) ExternalID() string           { return r.PddiktiID }
func (r *StudentRecord) Validate() error              { return validateWithID(r) }

func (r *StudentRecord) validateContent() error {
	if err := requireDigits("nim", r.NIM, 5, 20); err != nil {
		return err
	}
	if err := requireText("name", r.Name); err != nil {
		return err
	}
	if err := requireText("studyProgramCode", r.StudyProgramCode); err != nil {
		return err
	}
	if r.EntryYear != 0 && (r.EntryYear < 1950 || r.EntryYear > 2100) {
		return &ValidationError{Field: "entryYear", Message: fmt.Sprintf("недопустимый год %d", r.EntryYear)}
	}
	return checkEmail(r.Email)
}

// LecturerRecord — преподаватель (dosen) в реестре.
type LecturerRecord struct {
	PddiktiID        string `json:"pddiktiId,omitempty"`
	NIDN             string `json:"nidn"`
	Name             string `json:"name"`
	Email            string `json:"email,omitempty"`
	StudyProgramCode string `json:"studyProgramCode,omitempty"`
	Status           string `json:"status,omitempty"`
}

func (r *LecturerRecord) EntityType() model.EntityType { return model.EntityLecturers }
func (r *LecturerRecord) ExternalID() string           { return r.PddiktiID }
func (r *LecturerRecord) Validate() error              { return validateWithID(r) }

func (r *LecturerRecord) validateContent() error {
	if err := requireDigits("nidn", r.NIDN, 10, 10); err != nil {
		return err
	}
	if err := requireText("name", r.Name); err != nil {
		return err
	}
	return checkEmail(r.Email)
}

// CourseRecord — учебная дисциплина (mata kuliah) в реестре.
type CourseRecord struct {
	PddiktiID        string `json:"pddiktiId,omitempty"`
	Code             string `json:"code"`
	Name             string `json:"name"`
	Credits          int    `json:"credits"`
	Semester         int    `json:"semester,omitempty"`
	StudyProgramCode string `json:"studyProgramCode"`
	Status           string `json:"status,omitempty"`
}

func (r *CourseRecord) EntityType() model.EntityType { return model.EntityCourses }
func (r *CourseRecord) ExternalID() string           { return r.PddiktiID }
func (r *CourseRecord) Validate() error              { return validateWithID(r) }

func (r *CourseRecord) validateContent() error {
	if err := requireText("code", r.Code); err != nil {
		return err
	}
	if err := requireText("name", r.Name); err != nil {
		return err
	}
	if err := requireText("studyProgramCode", r.StudyProgramCode); err != nil {
		return err
	}
	if r.Credits < 0 || r.Credits > 24 {
		return &ValidationError{Field: "credits", Message: fmt.Sprintf("недопустимое значение %d", r.Credits)}
	}
	if r.Semester < 0 || r.Semester > 14 {
		return &ValidationError{Field: "semester", Message: fmt.Sprintf("недопустимое значение %d", r.Semester)}
	}
	return nil
}

// StudyProgramRecord — программа обучения (prodi) в реестре.
type StudyProgramRecord struct {
	PddiktiID   string `json:"pddiktiId,omitempty"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	DegreeLevel string `json:"degreeLevel,omitempty"`
	Status      string `json:"status,omitempty"`
}

func (r *StudyProgramRecord) EntityType() model.EntityType { return model.EntityStudyPrograms }
func (r *StudyProgramRecord) ExternalID() string           { return r.PddiktiID }
func (r *StudyProgramRecord) Validate() error              { return validateWithID(r) }

func (r *StudyProgramRecord) validateContent() error {
	if err := requireText("code", r.Code); err != nil {
		return err
	}
	return requireText("name", r.Name)
}

// MalformedRecord — элемент страницы, который не удалось декодировать.
// Validate всегда возвращает ошибку декодирования.
type MalformedRecord struct {
	Entity model.EntityType
	ID     string
	Err    error
}

func (r *MalformedRecord) EntityType() model.EntityType { return r.Entity }
func (r *MalformedRecord) ExternalID() string           { return r.ID }
func (r *MalformedRecord) Validate() error              { return r.validateContent() }

func (r *MalformedRecord) validateContent() error {
	return fmt.Errorf("некорректная запись реестра: %w", r.Err)
}

// decodeRecord декодирует один элемент страницы в запись нужного типа.
// Ошибка декодирования не прерывает страницу: возвращается MalformedRecord.
func decodeRecord(entity model.EntityType, raw json.RawMessage) RemoteRecord {
	rec, err := newRecord(entity)
	if err != nil {
		return &MalformedRecord{Entity: entity, Err: err}
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return &MalformedRecord{Entity: entity, ID: probeID(raw), Err: err}
	}
	return rec
}

func newRecord(entity model.EntityType) (RemoteRecord, error) {
	switch entity {
	case model.EntityStudents:
		return &StudentRecord{}, nil
	case model.EntityLecturers:
		return &LecturerRecord{}, nil
	case model.EntityCourses:
		return &CourseRecord{}, nil
	case model.EntityStudyPrograms:
		return &StudyProgramRecord{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип сущности %q", entity)
	}
}

// probeID извлекает pddiktiId из элемента, который не удалось декодировать
// целиком, чтобы ошибку можно было привязать к записи.
func probeID(raw json.RawMessage) string {
	var probe struct {
		PddiktiID any `json:"pddiktiId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.PddiktiID == nil {
		return ""
	}
	return fmt.Sprint(probe.PddiktiID)
}

// --- Проверки полей ---

func validateWithID(r RemoteRecord) error {
	if strings.TrimSpace(r.ExternalID()) == "" {
		return &ValidationError{Field: "pddiktiId", Message: "обязательное поле отсутствует"}
	}
	return r.validateContent()
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "обязательное поле отсутствует"}
	}
	return nil
}

func requireDigits(field, value string, minLen, maxLen int) error {
	if err := requireText(field, value); err != nil {
		return err
	}
	if len(value) < minLen || len(value) > maxLen {
		if minLen == maxLen {
			return &ValidationError{Field: field, Message: fmt.Sprintf("ожидается %d цифр, получено %q", minLen, value)}
		}
		return &ValidationError{Field: field, Message: fmt.Sprintf("ожидается от %d до %d цифр, получено %q", minLen, maxLen, value)}
	}
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return &ValidationError{Field: field, Message: fmt.Sprintf("допустимы только цифры, получено %q", value)}
		}
	}
	return nil
}

func checkEmail(email string) error {
	if email != "" && !strings.Contains(email, "@") {
		return &ValidationError{Field: "email", Message: fmt.Sprintf("некорректный адрес %q", email)}
	}
	return nil
}
