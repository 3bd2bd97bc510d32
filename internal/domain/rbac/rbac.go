// Пакет rbac — определение роли субъекта и прав на операции синхронизации.
// Пользователи получают роль из групп или ролей IdP, сервисные клиенты
// авторизуются по scopes.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleReadonly = "readonly"
	RoleAdmin    = "admin"
)

// Scopes сервисных клиентов.
const (
	ScopeSyncRead  = "sync:read"
	ScopeSyncWrite = "sync:write"
)

// Permission — право на группу операций API.
type Permission string

const (
	// PermSyncRead — чтение статуса и журнала синхронизации
	PermSyncRead Permission = "sync.read"
	// PermSyncWrite — запуск синхронизации
	PermSyncWrite Permission = "sync.write"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleReadonly: 1,
	RoleAdmin:    2,
}

// grants — какие роли и scopes дают право.
var grants = map[Permission]struct {
	roles  []string
	scopes []string
}{
	PermSyncRead:  {roles: []string{RoleAdmin, RoleReadonly}, scopes: []string{ScopeSyncRead, ScopeSyncWrite}},
	PermSyncWrite: {roles: []string{RoleAdmin}, scopes: []string{ScopeSyncWrite}},
}

// RolesFor возвращает роли пользователей, которым выдано право.
func RolesFor(p Permission) []string {
	return grants[p].roles
}

// ScopesFor возвращает scopes сервисных клиентов, которым выдано право.
func ScopesFor(p Permission) []string {
	return grants[p].scopes
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Неизвестные роли игнорируются. Если подходящих нет, возвращает пустую строку.
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		if !IsValidRole(r) {
			continue
		}
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль пользователя на основе его групп IdP.
// Возвращает максимальную роль из всех совпадений или пустую строку.
func MapGroupsToRole(groups []string, adminGroups, readonlyGroups []string) string {
	adminSet := toSet(adminGroups)
	readonlySet := toSet(readonlyGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if readonlySet[g] {
			roles = append(roles, RoleReadonly)
		}
	}

	return HighestRole(roles)
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
