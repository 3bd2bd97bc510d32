package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

// accountProvisioner создаёт учётные записи, без которых не может существовать
// студент или преподаватель. Пароль генерируется случайно; хранится только bcrypt-хэш.
type accountProvisioner struct {
	cost int
}

// check проверяет без записи, что логин username свободен или занят
// учётной записью с ролью role. Возвращает существующую запись или nil.
func (a *accountProvisioner) check(
	ctx context.Context,
	users repository.UserRepository,
	username, role string,
) (*model.User, error) {
	u, err := users.FindByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.Role != role {
		return nil, fmt.Errorf("логин %s уже занят учётной записью с ролью %s", username, u.Role)
	}
	return u, nil
}

// ensure возвращает учётную запись с логином username, создавая её при отсутствии.
// Существующая запись с другой ролью — ошибка.
func (a *accountProvisioner) ensure(
	ctx context.Context,
	users repository.UserRepository,
	username, fullName string,
	email *string,
	role string,
) (*model.User, error) {
	u, err := a.check(ctx, users, username, role)
	if err != nil || u != nil {
		return u, err
	}

	hash, err := a.generatePasswordHash()
	if err != nil {
		return nil, err
	}

	u = &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		FullName:     fullName,
		Email:        email,
		Role:         role,
	}
	if err := users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (a *accountProvisioner) generatePasswordHash() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("генерация пароля: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(buf)), a.cost)
	if err != nil {
		return "", fmt.Errorf("хэширование пароля: %w", err)
	}
	return string(hash), nil
}
