package model

import "time"

// Роли локальных учётных записей, создаваемых синхронизацией.
const (
	UserRoleStudent  = "student"
	UserRoleLecturer = "lecturer"
)

// User — локальная учётная запись. Хранится в таблице users.
// Студент и преподаватель не могут существовать без учётной записи.
type User struct {
	ID string
	// Username — логин: NIM для студента, NIDN для преподавателя
	Username string
	// PasswordHash — bcrypt-хэш сгенерированного пароля
	PasswordHash string
	FullName     string
	Email        *string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
