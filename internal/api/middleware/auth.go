// auth.go — JWT middleware для аутентификации и авторизации API pddikti-sync.
// Проверяет подпись токена через JWKS, определяет тип субъекта
// (пользователь или сервисный клиент), вычисляет роль из групп и ролей IdP.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/siakad/pddikti-sync/internal/api/errors"
	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/rbac"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyClaims — извлечённые claims в контексте запроса.
	ContextKeyClaims contextKey = "jwt_claims"
)

const (
	jwksRefreshInterval = 15 * time.Minute
	jwksClientTimeout   = 10 * time.Second
	jwtLeeway           = 30 * time.Second
)

// SubjectType — тип субъекта JWT.
type SubjectType string

const (
	// SubjectTypeUser — пользователь (OIDC).
	SubjectTypeUser SubjectType = "user"
	// SubjectTypeClient — сервисный клиент (Client Credentials).
	SubjectTypeClient SubjectType = "client"
)

// AuthClaims — claims субъекта, помещаемые в контекст запроса.
type AuthClaims struct {
	Subject           string
	SubjectType       SubjectType
	PreferredUsername string
	// Role — роль пользователя (admin, readonly или пусто)
	Role string
	// Scopes — scopes сервисного клиента
	Scopes   []string
	ClientID string
}

// HasAnyRole проверяет, совпадает ли роль с одной из указанных.
func (c *AuthClaims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// HasScope проверяет наличие указанного scope.
func (c *AuthClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAnyScope проверяет наличие хотя бы одного из указанных scopes.
func (c *AuthClaims) HasAnyScope(scopes ...string) bool {
	for _, scope := range scopes {
		if c.HasScope(scope) {
			return true
		}
	}
	return false
}

// Identity — строка для журнала синхронизации (triggered_by).
func (c *AuthClaims) Identity() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.ClientID != "":
		return c.ClientID
	default:
		return c.Subject
	}
}

// AuthOptions — параметры JWT middleware.
type AuthOptions struct {
	// Issuer — ожидаемый iss (пусто — не проверяется)
	Issuer string
	// RolesClaim — путь к claim с ролями, через точку (realm_access.roles)
	RolesClaim string
	// GroupsClaim — путь к claim с группами
	GroupsClaim    string
	AdminGroups    []string
	ReadonlyGroups []string
}

// JWTAuth — middleware для JWT-аутентификации через JWKS.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	opts   AuthOptions
	leeway time.Duration
	logger *slog.Logger
}

// NewJWTAuth создаёт JWT middleware с фоновым обновлением ключей из jwksURL.
// Сервис стартует даже если JWKS endpoint ещё недоступен.
func NewJWTAuth(jwksURL string, opts AuthOptions, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: jwksClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, opts, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, opts AuthOptions, logger *slog.Logger) *JWTAuth {
	if opts.RolesClaim == "" {
		opts.RolesClaim = "realm_access.roles"
	}
	if opts.GroupsClaim == "" {
		opts.GroupsClaim = "groups"
	}
	return &JWTAuth{
		jwks:   kf,
		opts:   opts,
		leeway: jwtLeeway,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись (RS256) и помещает
// AuthClaims в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			raw := jwt.MapClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.opts.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.opts.Issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := raw.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := WithClaims(r.Context(), j.buildAuthClaims(subject, raw))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims формирует AuthClaims из raw claims.
// Сервисный клиент имеет client_id и scope, пользователь — группы и роли.
func (j *JWTAuth) buildAuthClaims(subject string, raw jwt.MapClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           subject,
		PreferredUsername: stringClaim(raw, "preferred_username"),
	}

	clientID := stringClaim(raw, "client_id")
	scope := stringClaim(raw, "scope")
	if clientID != "" && scope != "" {
		claims.SubjectType = SubjectTypeClient
		claims.ClientID = clientID
		claims.Scopes = strings.Fields(scope)
		return claims
	}

	claims.SubjectType = SubjectTypeUser
	claims.Role = rbac.MapGroupsToRole(
		stringsClaim(raw, j.opts.GroupsClaim), j.opts.AdminGroups, j.opts.ReadonlyGroups,
	)
	if claims.Role == "" {
		claims.Role = rbac.HighestRole(stringsClaim(raw, j.opts.RolesClaim))
	}
	return claims
}

// lookupClaim находит значение по пути через точку (realm_access.roles).
func lookupClaim(raw jwt.MapClaims, path string) (any, bool) {
	var cur any = map[string]any(raw)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringClaim(raw jwt.MapClaims, path string) string {
	v, _ := lookupClaim(raw, path)
	s, _ := v.(string)
	return s
}

// stringsClaim возвращает строковый массив; элементы другого типа пропускаются.
func stringsClaim(raw jwt.MapClaims, path string) []string {
	v, ok := lookupClaim(raw, path)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- RBAC middleware ---

// Require возвращает middleware, пропускающий пользователей с ролью
// и сервисных клиентов со scope, дающими право perm.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func Require(perm rbac.Permission) func(http.Handler) http.Handler {
	roles := rbac.RolesFor(perm)
	scopes := rbac.ScopesFor(perm)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}

			switch claims.SubjectType {
			case SubjectTypeUser:
				if claims.HasAnyRole(roles...) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", strings.Join(roles, " или ")))

			case SubjectTypeClient:
				if claims.HasAnyScope(scopes...) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется scope %s", strings.Join(scopes, " или ")))

			default:
				apierrors.Forbidden(w, "Неизвестный тип субъекта")
			}
		})
	}
}

// --- Context helpers ---

// WithClaims помещает claims в контекст.
func WithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если claims не найдены (JWT отключён).
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// IdentityFromContext возвращает инициатора запроса или пустую строку.
func IdentityFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	return claims.Identity()
}
