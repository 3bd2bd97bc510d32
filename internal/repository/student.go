package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// StudentRepository — доступ к таблице students.
type StudentRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Student, error)
	// FindByNIM ищет студента по естественному ключу.
	FindByNIM(ctx context.Context, nim string) (*model.Student, error)
	Create(ctx context.Context, s *model.Student) error
	Update(ctx context.Context, s *model.Student) error
	// ListUnlinked возвращает студентов без external_id с id > afterID
	// в порядке id (keyset-пагинация; пустой afterID — с начала).
	ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Student, error)
}

type studentRepo struct {
	db DBTX
}

// NewStudentRepository создаёт репозиторий студентов.
func NewStudentRepository(db DBTX) StudentRepository {
	return &studentRepo{db: db}
}

const studentColumns = `id, user_id, study_program_id, external_id, nim, full_name, email,
	entry_year, status, last_synced_at, created_at, updated_at`

func scanStudent(row interface{ Scan(...any) error }) (*model.Student, error) {
	s := &model.Student{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.StudyProgramID, &s.ExternalID, &s.NIM, &s.FullName, &s.Email,
		&s.EntryYear, &s.Status, &s.LastSyncedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err := scanOne(err, "студента"); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *studentRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Student, error) {
	return scanStudent(r.db.QueryRow(ctx,
		`SELECT `+studentColumns+` FROM students WHERE external_id = $1`, externalID))
}

func (r *studentRepo) FindByNIM(ctx context.Context, nim string) (*model.Student, error) {
	return scanStudent(r.db.QueryRow(ctx,
		`SELECT `+studentColumns+` FROM students WHERE nim = $1`, nim))
}

func (r *studentRepo) Create(ctx context.Context, s *model.Student) error {
	query := `
		INSERT INTO students (id, user_id, study_program_id, external_id, nim, full_name,
			email, entry_year, status, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		s.ID, s.UserID, s.StudyProgramID, s.ExternalID, s.NIM, s.FullName,
		s.Email, s.EntryYear, s.Status, s.LastSyncedAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: NIM или external_id уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка создания студента: %w", err)
	}
	return nil
}

func (r *studentRepo) Update(ctx context.Context, s *model.Student) error {
	query := `
		UPDATE students
		SET study_program_id = $2, external_id = $3, nim = $4, full_name = $5, email = $6,
			entry_year = $7, status = $8, last_synced_at = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		s.ID, s.StudyProgramID, s.ExternalID, s.NIM, s.FullName, s.Email,
		s.EntryYear, s.Status, s.LastSyncedAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: NIM или external_id уже зарегистрирован", ErrConflict)
		}
		return scanOne(err, "студента")
	}
	return nil
}

func (r *studentRepo) ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Student, error) {
	query := `
		SELECT ` + studentColumns + `
		FROM students
		WHERE external_id IS NULL AND ($1::uuid IS NULL OR id > $1::uuid)
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, nullableID(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения несвязанных студентов: %w", err)
	}
	defer rows.Close()

	var result []*model.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullableID — пустой идентификатор передаётся в SQL как NULL.
func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
