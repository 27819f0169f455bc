package auth

import "time"

// Scopes granted to API callers.
const (
	ScopeRead  = "consistency:read"
	ScopeWrite = "consistency:write"
)

// Roles map onto default scope sets.
const (
	RoleReader = "reader"
	RoleEditor = "editor"
)

// UserContext represents the authenticated caller for a request
type UserContext struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasScope reports whether the caller was granted scope.
func (u *UserContext) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}
