// Пакет pddiktitest — фейковый HTTP-сервер реестра PDDIKTI для тестов.
// Поддерживает вход, постраничную выборку, выгрузку записей и
// управляемые сбои (401, 5xx).
package pddiktitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Учётные данные, которые сервер принимает по умолчанию.
const (
	Username = "operator"
	Password = "rahasia"
)

// Server — фейковый реестр.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	records     map[string][]json.RawMessage
	tokens      map[string]bool
	tokenSeq    int
	pushSeq     int
	logins      int
	fetches     map[string][]int
	pushed      map[string][]json.RawMessage
	reject401   int
	failNext    int
	failStatus  int
	rejectPush  map[string]int
	garblePush  map[string]bool
	fetchLimits []int
}

// New запускает фейковый реестр; сервер останавливается в t.Cleanup.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		records:    make(map[string][]json.RawMessage),
		tokens:     make(map[string]bool),
		fetches:    make(map[string][]int),
		pushed:     make(map[string][]json.RawMessage),
		rejectPush: make(map[string]int),
		garblePush: make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// AddRecords добавляет записи в коллекцию (mahasiswa, dosen, matakuliah, prodi).
func (s *Server) AddRecords(t *testing.T, collection string, items ...any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		raw, ok := item.(json.RawMessage)
		if !ok {
			data, err := json.Marshal(item)
			if err != nil {
				t.Fatalf("сериализация записи реестра: %v", err)
			}
			raw = data
		}
		s.records[collection] = append(s.records[collection], raw)
	}
}

// ReplaceRecords заменяет содержимое коллекции.
func (s *Server) ReplaceRecords(t *testing.T, collection string, items ...any) {
	t.Helper()
	s.mu.Lock()
	s.records[collection] = nil
	s.mu.Unlock()
	s.AddRecords(t, collection, items...)
}

// Reject401 — следующие n авторизованных запросов получат 401.
func (s *Server) Reject401(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject401 = n
}

// FailNext — следующие n авторизованных запросов получат status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// RejectPush — выгрузка записи с указанным естественным ключом получит status.
func (s *Server) RejectPush(naturalKey string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectPush[naturalKey] = status
}

// GarblePush — выгрузка записи с указанным естественным ключом будет принята,
// но ответ придёт нечитаемым.
func (s *Server) GarblePush(naturalKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garblePush[naturalKey] = true
}

// RevokeTokens делает все выданные токены недействительными.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// Logins возвращает количество успешных и неуспешных попыток входа.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// FetchedPages возвращает номера запрошенных страниц коллекции.
func (s *Server) FetchedPages(collection string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.fetches[collection]...)
}

// FetchLimits возвращает значения limit всех запросов выборки.
func (s *Server) FetchLimits() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.fetchLimits...)
}

// Pushed возвращает тела принятых запросов выгрузки.
func (s *Server) Pushed(collection string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.pushed[collection]...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/auth/login" && r.Method == http.MethodPost:
		s.handleLogin(w, r)
	case r.Method == http.MethodGet:
		s.authorized(w, r, s.handleFetch)
	case r.Method == http.MethodPost:
		s.authorized(w, r, s.handlePush)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++

	if req.Username != Username || req.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}

	s.tokenSeq++
	token := fmt.Sprintf("token-%d", s.tokenSeq)
	s.tokens[token] = true
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	valid := s.tokens[token]
	inject401 := s.reject401 > 0
	if inject401 {
		s.reject401--
	}
	failStatus := 0
	if !inject401 && s.failNext > 0 {
		s.failNext--
		failStatus = s.failStatus
	}
	s.mu.Unlock()

	if !valid || inject401 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
		return
	}
	if failStatus != 0 {
		writeJSON(w, failStatus, map[string]string{"message": "registry maintenance"})
		return
	}
	next(w, r)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	collection := strings.Trim(r.URL.Path, "/")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 || limit < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad paging"})
		return
	}

	s.mu.Lock()
	s.fetches[collection] = append(s.fetches[collection], page)
	s.fetchLimits = append(s.fetchLimits, limit)
	all := s.records[collection]
	start := (page - 1) * limit
	data := []json.RawMessage{}
	if start < len(all) {
		end := min(start+limit, len(all))
		data = append(data, all[start:end]...)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	collection := strings.Trim(r.URL.Path, "/")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad json"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{"nim", "nidn", "code"} {
		if v, ok := rec[key].(string); ok {
			if status, reject := s.rejectPush[v]; reject {
				writeJSON(w, status, map[string]string{"message": "duplicate " + key})
				return
			}
		}
	}

	s.pushSeq++
	rec["pddiktiId"] = fmt.Sprintf("pd-%s-%d", collection, s.pushSeq)
	accepted, _ := json.Marshal(rec)
	s.pushed[collection] = append(s.pushed[collection], body)
	s.records[collection] = append(s.records[collection], accepted)

	for _, key := range []string{"nim", "nidn", "code"} {
		if v, ok := rec[key].(string); ok && s.garblePush[v] {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"data":`))
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": json.RawMessage(accepted)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
