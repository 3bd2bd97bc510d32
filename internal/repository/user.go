package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// UserRepository — доступ к таблице users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	// Create создаёт учётную запись. PasswordHash должен быть уже вычислен.
	Create(ctx context.Context, u *model.User) error
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий учётных записей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, username, password_hash, full_name, email, role, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Email, &u.Role,
		&u.CreatedAt, &u.UpdatedAt)
	if err := scanOne(err, "учётной записи"); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, full_name, email, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.ID, u.Username, u.PasswordHash, u.FullName, u.Email, u.Role,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: логин %s уже занят", ErrConflict, u.Username)
		}
		return fmt.Errorf("ошибка создания учётной записи: %w", err)
	}
	return nil
}
