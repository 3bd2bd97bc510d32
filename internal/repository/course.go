package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// CourseRepository — доступ к таблице courses.
type CourseRepository interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Course, error)
	// FindByCode ищет дисциплину по естественному ключу.
	FindByCode(ctx context.Context, code string) (*model.Course, error)
	Create(ctx context.Context, c *model.Course) error
	Update(ctx context.Context, c *model.Course) error
	ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Course, error)
}

type courseRepo struct {
	db DBTX
}

// NewCourseRepository создаёт репозиторий учебных дисциплин.
func NewCourseRepository(db DBTX) CourseRepository {
	return &courseRepo{db: db}
}

const courseColumns = `id, study_program_id, external_id, code, name, credits, semester,
	status, last_synced_at, created_at, updated_at`

func scanCourse(row interface{ Scan(...any) error }) (*model.Course, error) {
	c := &model.Course{}
	err := row.Scan(
		&c.ID, &c.StudyProgramID, &c.ExternalID, &c.Code, &c.Name, &c.Credits, &c.Semester,
		&c.Status, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err := scanOne(err, "дисциплины"); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *courseRepo) FindByExternalID(ctx context.Context, externalID string) (*model.Course, error) {
	return scanCourse(r.db.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE external_id = $1`, externalID))
}

func (r *courseRepo) FindByCode(ctx context.Context, code string) (*model.Course, error) {
	return scanCourse(r.db.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE code = $1`, code))
}

func (r *courseRepo) Create(ctx context.Context, c *model.Course) error {
	query := `
		INSERT INTO courses (id, study_program_id, external_id, code, name, credits,
			semester, status, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		c.ID, c.StudyProgramID, c.ExternalID, c.Code, c.Name, c.Credits,
		c.Semester, c.Status, c.LastSyncedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: код дисциплины или external_id уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка создания дисциплины: %w", err)
	}
	return nil
}

func (r *courseRepo) Update(ctx context.Context, c *model.Course) error {
	query := `
		UPDATE courses
		SET study_program_id = $2, external_id = $3, code = $4, name = $5, credits = $6,
			semester = $7, status = $8, last_synced_at = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		c.ID, c.StudyProgramID, c.ExternalID, c.Code, c.Name, c.Credits,
		c.Semester, c.Status, c.LastSyncedAt,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: код дисциплины или external_id уже зарегистрирован", ErrConflict)
		}
		return scanOne(err, "дисциплины")
	}
	return nil
}

func (r *courseRepo) ListUnlinked(ctx context.Context, afterID string, limit int) ([]*model.Course, error) {
	query := `
		SELECT ` + courseColumns + `
		FROM courses
		WHERE external_id IS NULL AND ($1::uuid IS NULL OR id > $1::uuid)
		ORDER BY id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, nullableID(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения несвязанных дисциплин: %w", err)
	}
	defer rows.Close()

	var result []*model.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
