package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// ErrNoUserContext is returned when a request carries no authenticated caller.
var ErrNoUserContext = errors.New("missing user context")

// Middleware provides bearer-token authentication for the HTTP API
type Middleware struct {
	jwtManager *JWTManager
	skipAuth   bool // auth disabled in config
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

// HTTPMiddleware rejects requests without a valid bearer token.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, &UserContext{
				Subject: "local",
				Role:    RoleEditor,
				Scopes:  ScopesForRole(RoleEditor),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			var err error
			token, err = ExtractBearerToken(authHeader)
			if err != nil {
				unauthorized(w, "Invalid authorization header")
				return
			}
		} else if isStreamPath(r.URL.Path) {
			// EventSource and browser WebSockets cannot send headers.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			unauthorized(w, "Bearer token is required")
			return
		}

		userCtx, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope wraps next so it only runs for callers holding scope.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userCtx, err := GetUserContext(r.Context())
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		if !userCtx.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserContext extracts user context from context
func GetUserContext(ctx context.Context) (*UserContext, error) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	if !ok || userCtx == nil {
		return nil, ErrNoUserContext
	}
	return userCtx, nil
}

func isStreamPath(path string) bool {
	return strings.HasSuffix(path, "/stream") || strings.HasSuffix(path, "/ws")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="consistency"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + strings.ReplaceAll(msg, `"`, `'`) + `"}`))
}
