package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// LecturerRepository — доступ к таблице lecturers.
type LecturerRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Lecturer, error)
	// FindByNIDN ищет преподавателя по естественному ключу.
	FindByNIDN(ctx context.Context, nidn string) (*model.Lecturer, error)
	Create(ctx context.Context, l *model.Lecturer) error
	Update(ctx context.Context, l *model.Lecturer) error
	ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Lecturer, error)
}

type lecturerRepo struct {
	db DBTX
}

// NewLecturerRepository создаёт репозиторий преподавателей.
func NewLecturerRepository(db DBTX) LecturerRepository {
	return &lecturerRepo{db: db}
}

const lecturerColumns = `id, user_id, study_program_id, external_id, nidn, full_name, email,
	status, last_synced_at, created_at, updated_at`

func scanLecturer(row interface{ Scan(...any) error }) (*model.Lecturer, error) {
	l := &model.Lecturer{}
	err := row.Scan(
		&l.ID, &l.UserID, &l.StudyProgramID, &l.ExternalID, &l.NIDN, &l.FullName, &l.Email,
		&l.Status, &l.LastSyncedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err := scanOne(err, "преподавателя"); err != nil {
		return nil, err
	}
	return l, nil
}

func (r *lecturerRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Lecturer, error) {
	return scanLecturer(r.db.QueryRow(ctx,
		`SELECT `+lecturerColumns+` FROM lecturers WHERE external_id = $1`, externalID))
}

func (r *lecturerRepo) FindByNIDN(ctx context.Context, nidn string) (*model.Lecturer, error) {
	return scanLecturer(r.db.QueryRow(ctx,
		`SELECT `+lecturerColumns+` FROM lecturers WHERE nidn = $1`, nidn))
}

func (r *lecturerRepo) Create(ctx context.Context, l *model.Lecturer) error {
	query := `
		INSERT INTO lecturers (id, user_id, study_program_id, external_id, nidn, full_name,
			email, status, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		l.ID, l.UserID, l.StudyProgramID, l.ExternalID, l.NIDN, l.FullName,
		l.Email, l.Status, l.LastSyncedAt,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: NIDN или external_id уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка создания преподавателя: %w", err)
	}
	return nil
}

func (r *lecturerRepo) Update(ctx context.Context, l *model.Lecturer) error {
	query := `
		UPDATE lecturers
		SET study_program_id = $2, external_id = $3, nidn = $4, full_name = $5, email = $6,
			status = $7, last_synced_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		l.ID, l.StudyProgramID, l.ExternalID, l.NIDN, l.FullName, l.Email,
		l.Status, l.LastSyncedAt,
	).Scan(&l.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: NIDN или external_id уже зарегистрирован", ErrConflict)
		}
		return scanOne(err, "преподавателя")
	}
	return nil
}

func (r *lecturerRepo) ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Lecturer, error) {
	query := `
		SELECT ` + lecturerColumns + `
		FROM lecturers
		WHERE external_id IS NULL AND ($1::uuid IS NULL OR id > $1::uuid)
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, nullableID(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения несвязанных преподавателей: %w", err)
	}
	defer rows.Close()

	var result []*model.Lecturer
	for rows.Next() {
		l, err := scanLecturer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}
