// Пакет handlers — HTTP-обработчики API pddikti-sync.
// Обработчики зависят от узких интерфейсов сервисного слоя.
package handlers

import (
	"encoding/json"
	"net/http"
)

// maxBodyBytes — ограничение размера тела запроса.
const maxBodyBytes = 64 << 10

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. Неизвестные поля — ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
