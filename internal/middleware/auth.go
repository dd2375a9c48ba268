package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/maynagashev/notekeeper/models"
)

// Тип для ключа контекста.
type contextKey string

// AuthMethodKey - ключ контекста со способом, которым аутентифицирован запрос.
const AuthMethodKey contextKey = "authMethod"

// SessionCookieName - имя cookie с токеном сессии.
const SessionCookieName = "notekeeper_session"

// AuthMethod описывает способ аутентификации запроса.
type AuthMethod string

const (
	AuthSession AuthMethod = "session"
	AuthBearer  AuthMethod = "bearer"
)

// Authenticator проверяет учетные данные запроса.
type Authenticator interface {
	ValidateSession(token string) error
	ValidateBearer(token string) error
}

// RequireSession пропускает только запросы с действительной cookie сессии.
func RequireSession(auth Authenticator) func(http.Handler) http.Handler {
	return require(auth, AuthSession)
}

// RequireBearer пропускает только запросы с машинным токеном. Cookie сессии не принимается.
func RequireBearer(auth Authenticator) func(http.Handler) http.Handler {
	return require(auth, AuthBearer)
}

// RequireAny принимает cookie сессии или машинный токен.
func RequireAny(auth Authenticator) func(http.Handler) http.Handler {
	return require(auth, AuthSession, AuthBearer)
}

func require(auth Authenticator, methods ...AuthMethod) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, method := range methods {
				if authenticate(auth, method, r) {
					ctx := context.WithValue(r.Context(), AuthMethodKey, method)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			slog.Debug("Запрос без действительных учетных данных",
				"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "требуется аутентификация")
		})
	}
}

func authenticate(auth Authenticator, method AuthMethod, r *http.Request) bool {
	switch method {
	case AuthSession:
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			return false
		}
		return auth.ValidateSession(cookie.Value) == nil
	case AuthBearer:
		token, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			return false
		}
		return auth.ValidateBearer(token) == nil
	default:
		return false
	}
}

// extractBearerToken извлекает токен из заголовка "Bearer <token>".
func extractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetAuthMethodFromContext возвращает способ аутентификации запроса.
func GetAuthMethodFromContext(ctx context.Context) (AuthMethod, bool) {
	if ctx == nil {
		return "", false
	}
	method, ok := ctx.Value(AuthMethodKey).(AuthMethod)
	return method, ok
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(models.ErrorResponse{Error: message}); err != nil {
		slog.Error("Ошибка кодирования ответа", "error", err)
	}
}
