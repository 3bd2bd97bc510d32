// Пакет pddikti — HTTP-клиент к REST API национального реестра высшего
// образования (PDDIKTI).
//
// Клиент владеет сессией (токен + время истечения) и сам поддерживает её:
// перед каждым запросом токен обновляется, если до истечения осталось меньше
// запаса RefreshMargin; ответ 401 приводит к одному повторному входу и одному
// повтору того же запроса. Повторный 401 — AuthenticationError.
// Остальные сбои — RegistryUnavailableError; других повторов клиент не делает.
package pddikti

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
)

// maxErrorBody — сколько байт тела ответа сохранять в тексте ошибки.
const maxErrorBody = 512

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ps_pddikti_requests_total",
			Help: "Количество запросов к реестру PDDIKTI по операциям и статусам ответа.",
		},
		[]string{"endpoint", "status"},
	)
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ps_pddikti_logins_total",
			Help: "Количество попыток входа в реестр PDDIKTI.",
		},
		[]string{"result"},
	)
)

// collections — пути коллекций реестра для типов сущностей.
var collections = map[model.EntityType]string{
	model.EntityStudents:      "mahasiswa",
	model.EntityLecturers:     "dosen",
	model.EntityCourses:       "matakuliah",
	model.EntityStudyPrograms: "prodi",
}

// Options — параметры клиента реестра.
type Options struct {
	// BaseURL — базовый URL API реестра (без trailing slash)
	BaseURL  string
	Username string
	Password string
	// Timeout — таймаут одного HTTP-запроса (по умолчанию 30s)
	Timeout time.Duration
	// TokenTTL — срок жизни токена от момента входа (по умолчанию 1h)
	TokenTTL time.Duration
	// RefreshMargin — запас до истечения, при котором токен обновляется (по умолчанию 5m)
	RefreshMargin time.Duration
	// CACertPath — путь к CA-сертификату (пустая строка — системный пул)
	CACertPath string
}

// Session — сессия аутентификации в реестре. Принадлежит одному клиенту
// и не сохраняется между перезапусками процесса.
type Session struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// ExpiresAt возвращает время истечения текущего токена (нулевое — токена нет).
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// PageRequest — параметры постраничной выборки. Нумерация страниц с 1.
type PageRequest struct {
	Page  int
	Limit int
}

// Page — страница записей реестра. Пустая страница означает конец данных.
type Page struct {
	Number  int
	Records []RemoteRecord
}

// Empty сообщает, что данных больше нет.
func (p *Page) Empty() bool {
	return p == nil || len(p.Records) == 0
}

// Client — HTTP-клиент реестра PDDIKTI.
type Client struct {
	baseURL       string
	username      string
	password      string
	tokenTTL      time.Duration
	refreshMargin time.Duration

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	session *Session
}

// New создаёт клиент реестра. Отсутствие учётных данных не является
// ошибкой: она возникнет при первой попытке входа.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}

	httpClient := &http.Client{Timeout: opts.Timeout}
	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата реестра: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат реестра добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		username:      opts.Username,
		password:      opts.Password,
		tokenTTL:      opts.TokenTTL,
		refreshMargin: opts.RefreshMargin,
		httpClient:    httpClient,
		logger:        logger.With(slog.String("component", "pddikti_client")),
		now:           time.Now,
		session:       &Session{},
	}, nil
}

// Session возвращает сессию клиента.
func (c *Client) Session() *Session {
	return c.session
}

func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}

	return &tls.Config{RootCAs: caCertPool}, nil
}

// --- Аутентификация ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Data  *struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Authenticate выполняет вход в реестр и сохраняет токен в сессии.
// Срок действия токена — TokenTTL от текущего момента.
func (c *Client) Authenticate(ctx context.Context) error {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	_, err := c.loginLocked(ctx)
	return err
}

// ensureAuthenticated возвращает действующий токен, выполняя вход, если токена
// нет или до его истечения осталось меньше refreshMargin.
func (c *Client) ensureAuthenticated(ctx context.Context) (string, error) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if c.session.token != "" && c.session.expiresAt.Sub(c.now()) >= c.refreshMargin {
		return c.session.token, nil
	}
	return c.loginLocked(ctx)
}

// invalidate сбрасывает токен, отклонённый реестром. Если другой запрос уже
// успел обновить сессию, новый токен не трогаем.
func (c *Client) invalidate(rejected string) {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()

	if c.session.token == rejected {
		c.session.token = ""
		c.session.expiresAt = time.Time{}
	}
}

// loginLocked выполняет вход. Вызывается под session.mu.
func (c *Client) loginLocked(ctx context.Context) (string, error) {
	if c.username == "" || c.password == "" {
		loginsTotal.WithLabelValues("no_credentials").Inc()
		return "", &AuthenticationError{Reason: "учётные данные реестра не заданы (PS_PDDIKTI_USERNAME, PS_PDDIKTI_PASSWORD)"}
	}

	body, err := json.Marshal(loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return "", fmt.Errorf("сериализация запроса входа: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("создание запроса входа: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		requestsTotal.WithLabelValues("login", "error").Inc()
		return "", &RegistryUnavailableError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	requestsTotal.WithLabelValues("login", strconv.Itoa(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		loginsTotal.WithLabelValues("rejected").Inc()
		return "", &AuthenticationError{
			Reason:     "реестр отклонил учётные данные",
			StatusCode: resp.StatusCode,
			Err:        errors.New(readErrorBody(resp.Body)),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		loginsTotal.WithLabelValues("error").Inc()
		return "", &RegistryUnavailableError{
			Op:         "login",
			StatusCode: resp.StatusCode,
			Err:        errors.New(readErrorBody(resp.Body)),
		}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return "", &RegistryUnavailableError{Op: "login", Err: fmt.Errorf("декодирование ответа: %w", err)}
	}
	token := lr.Token
	if token == "" && lr.Data != nil {
		token = lr.Data.Token
	}
	if token == "" {
		loginsTotal.WithLabelValues("rejected").Inc()
		return "", &AuthenticationError{Reason: "реестр не вернул токен"}
	}

	c.session.token = token
	c.session.expiresAt = c.now().Add(c.tokenTTL)
	loginsTotal.WithLabelValues("ok").Inc()

	c.logger.Debug("Токен реестра получен",
		slog.Time("expires_at", c.session.expiresAt),
	)

	return token, nil
}

// --- HTTP helpers ---

// request — исходящий запрос. Тело хранится целиком, чтобы повтор после
// 401 отправлял идентичный запрос.
type request struct {
	endpoint string
	method   string
	path     string
	body     []byte
	// retried — одноразовый маркер: запрос уже повторялся после 401
	retried bool
}

// do выполняет запрос с авторизацией. Ответ 401 приводит к одному повторному
// входу и одному повтору; вызывающий обязан закрыть тело ответа.
func (c *Client) do(ctx context.Context, r *request) (*http.Response, error) {
	for {
		token, err := c.ensureAuthenticated(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, r, token)
		if err != nil {
			requestsTotal.WithLabelValues(r.endpoint, "error").Inc()
			return nil, &RegistryUnavailableError{Op: r.endpoint, Err: err}
		}
		requestsTotal.WithLabelValues(r.endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}

		msg := readErrorBody(resp.Body)
		resp.Body.Close()

		if r.retried {
			return nil, &AuthenticationError{
				Reason:     "реестр отклонил токен после повторного входа",
				StatusCode: http.StatusUnauthorized,
				Err:        errors.New(msg),
			}
		}

		c.logger.Info("Реестр отклонил токен, повторный вход",
			slog.String("endpoint", r.endpoint),
		)
		r.retried = true
		c.invalidate(token)
	}
}

func (c *Client) send(ctx context.Context, r *request, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func readErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return strings.TrimSpace(string(data))
}

func collectionFor(entity model.EntityType) (string, error) {
	coll, ok := collections[entity]
	if !ok {
		return "", fmt.Errorf("неизвестный тип сущности %q", entity)
	}
	return coll, nil
}

// --- Entities API ---

type pageEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

type recordEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// FetchEntities возвращает одну страницу записей указанного типа.
// GET {base}/{collection}?page=N&limit=M
func (c *Client) FetchEntities(ctx context.Context, entity model.EntityType, pr PageRequest) (*Page, error) {
	coll, err := collectionFor(entity)
	if err != nil {
		return nil, err
	}
	if pr.Page < 1 || pr.Limit < 1 {
		return nil, fmt.Errorf("некорректные параметры страницы: page=%d, limit=%d", pr.Page, pr.Limit)
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(pr.Page))
	q.Set("limit", strconv.Itoa(pr.Limit))

	endpoint := "fetch_" + string(entity)
	resp, err := c.do(ctx, &request{
		endpoint: endpoint,
		method:   http.MethodGet,
		path:     "/" + coll + "?" + q.Encode(),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RegistryUnavailableError{
			Op:         endpoint,
			StatusCode: resp.StatusCode,
			Err:        errors.New(readErrorBody(resp.Body)),
		}
	}

	var env pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &RegistryUnavailableError{Op: endpoint, Err: fmt.Errorf("декодирование страницы: %w", err)}
	}

	page := &Page{Number: pr.Page, Records: make([]RemoteRecord, 0, len(env.Data))}
	for _, raw := range env.Data {
		page.Records = append(page.Records, decodeRecord(entity, raw))
	}

	c.logger.Debug("Страница реестра получена",
		slog.String("entity", string(entity)),
		slog.Int("page", pr.Page),
		slog.Int("records", len(page.Records)),
	)

	return page, nil
}

// PushEntity выгружает запись в реестр и возвращает принятое реестром
// представление (с назначенным pddiktiId).
// POST {base}/{collection}
func (c *Client) PushEntity(ctx context.Context, entity model.EntityType, payload RemoteRecord) (RemoteRecord, error) {
	coll, err := collectionFor(entity)
	if err != nil {
		return nil, err
	}
	if payload.EntityType() != entity {
		return nil, fmt.Errorf("тип записи %q не совпадает с типом сущности %q", payload.EntityType(), entity)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация записи: %w", err)
	}

	endpoint := "push_" + string(entity)
	resp, err := c.do(ctx, &request{
		endpoint: endpoint,
		method:   http.MethodPost,
		path:     "/" + coll,
		body:     body,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, &RecordRejectedError{StatusCode: resp.StatusCode, Message: readErrorBody(resp.Body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &RegistryUnavailableError{
			Op:         endpoint,
			StatusCode: resp.StatusCode,
			Err:        errors.New(readErrorBody(resp.Body)),
		}
	}

	var env recordEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &UnconfirmedPushError{StatusCode: resp.StatusCode, Err: fmt.Errorf("декодирование ответа: %w", err)}
	}

	accepted := decodeRecord(entity, env.Data)
	if mr, ok := accepted.(*MalformedRecord); ok {
		return nil, &UnconfirmedPushError{StatusCode: resp.StatusCode, Err: mr.Err}
	}
	return accepted, nil
}

// CheckReady проверяет доступность реестра без аутентификации.
// Любой ответ, кроме 5xx, считается признаком доступности.
func (c *Client) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return "fail", fmt.Sprintf("некорректный URL реестра: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "fail", fmt.Sprintf("реестр PDDIKTI недоступен: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "fail", fmt.Sprintf("реестр PDDIKTI вернул статус %d", resp.StatusCode)
	}
	return "ok", "реестр отвечает"
}
