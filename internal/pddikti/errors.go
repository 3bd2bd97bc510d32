package pddikti

import (
	"errors"
	"fmt"
)

// AuthenticationError — реестр не принял учётные данные или токен.
// Повторные попытки бессмысленны до исправления конфигурации.
type AuthenticationError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := "ошибка аутентификации в реестре PDDIKTI: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RegistryUnavailableError — сетевая ошибка, таймаут, неожиданный статус
// или некорректный ответ реестра.
type RegistryUnavailableError struct {
	// Op — операция клиента (login, fetch students, push courses, ...)
	Op         string
	StatusCode int
	Err        error
}

func (e *RegistryUnavailableError) Error() string {
	msg := "реестр PDDIKTI недоступен (" + e.Op + ")"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryUnavailableError) Unwrap() error { return e.Err }

// RecordRejectedError — реестр отклонил выгружаемую запись (4xx, кроме 401).
// Ошибка относится к одной записи и не прерывает запуск.
type RecordRejectedError struct {
	StatusCode int
	Message    string
}

func (e *RecordRejectedError) Error() string {
	return fmt.Sprintf("реестр отклонил запись (HTTP %d): %s", e.StatusCode, e.Message)
}

// UnconfirmedPushError — реестр ответил 2xx на выгрузку, но ответ не удалось
// прочитать. Запись, вероятно, создана; требуется ручная сверка.
type UnconfirmedPushError struct {
	StatusCode int
	Err        error
}

func (e *UnconfirmedPushError) Error() string {
	return fmt.Sprintf("выгрузка не подтверждена (HTTP %d), требуется ручная сверка: %v", e.StatusCode, e.Err)
}

func (e *UnconfirmedPushError) Unwrap() error { return e.Err }

// ValidationError — запись реестра не прошла проверку полей.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("поле %s: %s", e.Field, e.Message)
}

// IsAuthentication проверяет, является ли ошибка AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsUnavailable проверяет, является ли ошибка RegistryUnavailableError.
func IsUnavailable(err error) bool {
	var ue *RegistryUnavailableError
	return errors.As(err, &ue)
}

// IsRejected проверяет, является ли ошибка RecordRejectedError.
func IsRejected(err error) bool {
	var re *RecordRejectedError
	return errors.As(err, &re)
}

// IsUnconfirmed проверяет, является ли ошибка UnconfirmedPushError.
func IsUnconfirmed(err error) bool {
	var ue *UnconfirmedPushError
	return errors.As(err, &ue)
}
