// Пакет errors — конструкторы ошибок HTTP API pddikti-sync.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок API.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeSyncAlreadyRunning   = "SYNC_ALREADY_RUNNING"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	CodeRegistryUnavailable  = "REGISTRY_UNAVAILABLE"
	CodeRegistryAuthFailed   = "REGISTRY_AUTH_FAILED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки. SyncLogID заполняется, если запуск
// синхронизации успел создать запись журнала до сбоя.
type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SyncLogID string `json:"syncLogId,omitempty"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	write(w, statusCode, errorDetail{Code: code, Message: message})
}

func write(w http.ResponseWriter, statusCode int, detail errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// UnsupportedOperation — 400 операция не поддерживается для типа сущности.
func UnsupportedOperation(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeUnsupportedOperation, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// SyncAlreadyRunning — 409 синхронизация этого типа уже выполняется.
func SyncAlreadyRunning(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeSyncAlreadyRunning, message)
}

// RegistryUnavailable — 502 реестр PDDIKTI недоступен.
// syncLogID — id записи журнала упавшего запуска (может быть пустым).
func RegistryUnavailable(w http.ResponseWriter, message, syncLogID string) {
	write(w, http.StatusBadGateway, errorDetail{
		Code: CodeRegistryUnavailable, Message: message, SyncLogID: syncLogID,
	})
}

// RegistryAuthFailed — 502 реестр PDDIKTI отклонил учётные данные сервиса.
func RegistryAuthFailed(w http.ResponseWriter, message, syncLogID string) {
	write(w, http.StatusBadGateway, errorDetail{
		Code: CodeRegistryAuthFailed, Message: message, SyncLogID: syncLogID,
	})
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
