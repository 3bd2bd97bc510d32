package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// StudyProgramRepository — доступ к таблице study_programs.
type StudyProgramRepository interface {
	GetByID(ctx context.Context, id string) (*model.StudyProgram, error)
	// FindByExternalID ищет программу по идентификатору реестра.
	FindByExternalID(ctx context.Context, externalID string) (*model.StudyProgram, error)
	// FindByCode ищет программу по естественному ключу (код prodi).
	FindByCode(ctx context.Context, code string) (*model.StudyProgram, error)
	Create(ctx context.Context, sp *model.StudyProgram) error
	Update(ctx context.Context, sp *model.StudyProgram) error
}

type studyProgramRepo struct {
	db DBTX
}

// NewStudyProgramRepository создаёт репозиторий программ обучения.
func NewStudyProgramRepository(db DBTX) StudyProgramRepository {
	return &studyProgramRepo{db: db}
}

const studyProgramColumns = `id, external_id, code, name, degree_level, status,
	last_synced_at, created_at, updated_at`

func (r *studyProgramRepo) scan(row interface{ Scan(...any) error }) (*model.StudyProgram, error) {
	sp := &model.StudyProgram{}
	err := row.Scan(
		&sp.ID, &sp.ExternalID, &sp.Code, &sp.Name, &sp.DegreeLevel, &sp.Status,
		&sp.LastSyncedAt, &sp.CreatedAt, &sp.UpdatedAt,
	)
	if err := scanOne(err, "программы обучения"); err != nil {
		return nil, err
	}
	return sp, nil
}

func (r *studyProgramRepo) GetByID(ctx context.Context, id string) (*model.StudyProgram, error) {
	return r.scan(r.db.QueryRow(ctx,
		`SELECT `+studyProgramColumns+` FROM study_programs WHERE id = $1`, id))
}

func (r *studyProgramRepo) FindByExternalID(ctx context.Context, externalID string) (*model.StudyProgram, error) {
	return r.scan(r.db.QueryRow(ctx,
		`SELECT `+studyProgramColumns+` FROM study_programs WHERE external_id = $1`, externalID))
}

func (r *studyProgramRepo) FindByCode(ctx context.Context, code string) (*model.StudyProgram, error) {
	return r.scan(r.db.QueryRow(ctx,
		`SELECT `+studyProgramColumns+` FROM study_programs WHERE code = $1`, code))
}

func (r *studyProgramRepo) Create(ctx context.Context, sp *model.StudyProgram) error {
	query := `
		INSERT INTO study_programs (id, external_id, code, name, degree_level, status, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		sp.ID, sp.ExternalID, sp.Code, sp.Name, sp.DegreeLevel, sp.Status, sp.LastSyncedAt,
	).Scan(&sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: код программы или external_id уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка создания программы обучения: %w", err)
	}
	return nil
}

func (r *studyProgramRepo) Update(ctx context.Context, sp *model.StudyProgram) error {
	query := `
		UPDATE study_programs
		SET external_id = $2, code = $3, name = $4, degree_level = $5, status = $6,
			last_synced_at = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		sp.ID, sp.ExternalID, sp.Code, sp.Name, sp.DegreeLevel, sp.Status, sp.LastSyncedAt,
	).Scan(&sp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: код программы или external_id уже зарегистрирован", ErrConflict)
		}
		return scanOne(err, "программы обучения")
	}
	return nil
}
