// Пакет config — загрузка и валидация конфигурации сервиса синхронизации
// с реестром PDDIKTI из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации pddikti-sync.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут записи ответа. Запуск синхронизации выполняется синхронно,
	// поэтому значение заметно больше обычного.
	HTTPWriteTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Реестр PDDIKTI ---

	// Базовый URL REST API реестра
	PddiktiURL string
	// Учётные данные реестра. Могут отсутствовать при старте:
	// ошибка возникает при первой попытке аутентификации.
	PddiktiUsername string
	PddiktiPassword string
	// Таймаут одного запроса к реестру
	PddiktiTimeout time.Duration
	// Срок жизни токена, отсчитываемый от момента входа
	PddiktiTokenTTL time.Duration
	// Запас до истечения токена, при котором выполняется повторный вход
	PddiktiRefreshMargin time.Duration
	// Путь к CA-сертификату для TLS-соединений с реестром (опционально)
	PddiktiCACertPath string

	// --- Синхронизация ---

	// Размер страницы при постраничной выборке из реестра
	SyncPageSize int
	// Количество попыток получения страницы при недоступности реестра
	SyncFetchRetries int
	// Включён ли периодический запуск синхронизации
	SyncScheduleEnabled bool
	// Интервал периодической синхронизации
	SyncInterval time.Duration
	// Время без heartbeat, после которого незавершённый запуск считается брошенным
	SyncStaleAfter time.Duration
	// Использовать advisory lock PostgreSQL для защиты от параллельных запусков
	// на нескольких репликах
	SyncAdvisoryLock bool
	// Размер и TTL кэша разрешения зависимостей (программы обучения по коду)
	DependencyCacheSize int
	DependencyCacheTTL  time.Duration

	// --- Зависимости ---

	// Группа сервиса для topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- JWT ---

	// URL JWKS endpoint. Пустое значение отключает проверку JWT.
	JWTJWKSURL string
	// Ожидаемый issuer (опционально)
	JWTIssuer string
	// Claim для ролей в JWT
	JWTRolesClaim string
	// Claim для групп в JWT
	JWTGroupsClaim string

	// --- Маппинг групп → ролей ---

	RoleAdminGroups    []string
	RoleReadonlyGroups []string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PS_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("PS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("PS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PS_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("PS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PS_HTTP_WRITE_TIMEOUT — таймаут записи ответа (по умолчанию 10m)
	cfg.HTTPWriteTimeout, err = getEnvDuration("PS_HTTP_WRITE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_HTTP_WRITE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("PS_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("PS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PS_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("PS_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("PS_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("PS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("PS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Реестр PDDIKTI ---

	// PS_PDDIKTI_URL — обязательный
	cfg.PddiktiURL, err = getEnvRequired("PS_PDDIKTI_URL")
	if err != nil {
		return nil, err
	}
	cfg.PddiktiURL = strings.TrimRight(cfg.PddiktiURL, "/")
	if u, perr := url.Parse(cfg.PddiktiURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PS_PDDIKTI_URL: некорректный URL %q", cfg.PddiktiURL)
	}

	// Учётные данные не проверяются здесь: их отсутствие — ошибка
	// аутентификации при первом обращении к реестру.
	cfg.PddiktiUsername = os.Getenv("PS_PDDIKTI_USERNAME")
	cfg.PddiktiPassword = os.Getenv("PS_PDDIKTI_PASSWORD")

	cfg.PddiktiTimeout, err = getEnvDuration("PS_PDDIKTI_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_PDDIKTI_TIMEOUT: %w", err)
	}

	cfg.PddiktiTokenTTL, err = getEnvDuration("PS_PDDIKTI_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PS_PDDIKTI_TOKEN_TTL: %w", err)
	}

	cfg.PddiktiRefreshMargin, err = getEnvDuration("PS_PDDIKTI_REFRESH_MARGIN", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_PDDIKTI_REFRESH_MARGIN: %w", err)
	}
	if cfg.PddiktiRefreshMargin >= cfg.PddiktiTokenTTL {
		return nil, fmt.Errorf("PS_PDDIKTI_REFRESH_MARGIN: значение %v должно быть меньше PS_PDDIKTI_TOKEN_TTL (%v)",
			cfg.PddiktiRefreshMargin, cfg.PddiktiTokenTTL)
	}

	cfg.PddiktiCACertPath = getEnvDefault("PS_PDDIKTI_CA_CERT_PATH", "")

	// --- Синхронизация ---

	// PS_SYNC_PAGE_SIZE — размер страницы (по умолчанию 100)
	cfg.SyncPageSize, err = getEnvInt("PS_SYNC_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_PAGE_SIZE: %w", err)
	}
	if cfg.SyncPageSize < 1 || cfg.SyncPageSize > 1000 {
		return nil, fmt.Errorf("PS_SYNC_PAGE_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.SyncPageSize)
	}

	cfg.SyncFetchRetries, err = getEnvInt("PS_SYNC_FETCH_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_FETCH_RETRIES: %w", err)
	}
	if cfg.SyncFetchRetries < 1 {
		return nil, fmt.Errorf("PS_SYNC_FETCH_RETRIES: значение %d должно быть не меньше 1", cfg.SyncFetchRetries)
	}

	cfg.SyncScheduleEnabled, err = getEnvBool("PS_SYNC_SCHEDULE_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_SCHEDULE_ENABLED: %w", err)
	}

	cfg.SyncInterval, err = getEnvDuration("PS_SYNC_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_INTERVAL: %w", err)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("PS_SYNC_INTERVAL: значение должно быть положительным")
	}

	cfg.SyncStaleAfter, err = getEnvDuration("PS_SYNC_STALE_AFTER", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_STALE_AFTER: %w", err)
	}

	cfg.SyncAdvisoryLock, err = getEnvBool("PS_SYNC_ADVISORY_LOCK", true)
	if err != nil {
		return nil, fmt.Errorf("PS_SYNC_ADVISORY_LOCK: %w", err)
	}

	cfg.DependencyCacheSize, err = getEnvInt("PS_DEPENDENCY_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPENDENCY_CACHE_SIZE: %w", err)
	}
	if cfg.DependencyCacheSize < 1 {
		return nil, fmt.Errorf("PS_DEPENDENCY_CACHE_SIZE: значение %d должно быть положительным", cfg.DependencyCacheSize)
	}

	cfg.DependencyCacheTTL, err = getEnvDuration("PS_DEPENDENCY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPENDENCY_CACHE_TTL: %w", err)
	}

	// --- Зависимости ---

	cfg.DephealthGroup = getEnvDefault("PS_DEPHEALTH_GROUP", "siakad")

	cfg.DephealthCheckInterval, err = getEnvDuration("PS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("PS_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("PS_JWT_ISSUER", "")
	cfg.JWTRolesClaim = getEnvDefault("PS_JWT_ROLES_CLAIM", "realm_access.roles")
	cfg.JWTGroupsClaim = getEnvDefault("PS_JWT_GROUPS_CLAIM", "groups")

	// --- Маппинг групп → ролей ---

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("PS_ROLE_ADMIN_GROUPS", "siakad-admins"))
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("PS_ROLE_READONLY_GROUPS", "siakad-viewers"))

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("PS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (формат, ожидаемый
// topologymetrics для определения хоста и порта зависимости).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q (используйте true/false)", val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
