package domain

import "github.com/golang-jwt/jwt/v5"

// Скоупы токенов. Токены выпускает внешний сервис аккаунтов, здесь они только проверяются.
const (
	ScopeAdmin           = "admin"
	ScopeExecutionsWrite = "executions:write"
	ScopeExecutionsRead  = "executions:read"
	ScopeGuardrailsRead  = "guardrails:read"
	ScopeGuardrailsWrite = "guardrails:write"
)

// Claims - полезная нагрузка RS256-токена SDK или оператора консоли.
type Claims struct {
	UserID string          `json:"user_id,omitempty"`
	OrgID  string          `json:"org_id"`
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope - у токена есть скоуп (admin покрывает все).
func (c *Claims) HasScope(scope string) bool {
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
