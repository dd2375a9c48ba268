package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/maynagashev/notekeeper/internal/middleware"
	"github.com/maynagashev/notekeeper/models"
)

// AuthService определяет интерфейс для сервиса аутентификации.
// Это позволит нам легко подменять реализацию (например, для тестов).
type AuthService interface {
	Login(password string) (string, error)
	Logout(token string)
}

// CookieOptions задает атрибуты cookie сессии.
type CookieOptions struct {
	Secure bool
	TTL    time.Duration
}

// AuthHandler обрабатывает вход и выход.
type AuthHandler struct {
	service AuthService
	cookie  CookieOptions
}

// NewAuthHandler создает новый экземпляр AuthHandler.
func NewAuthHandler(s AuthService, cookie CookieOptions) *AuthHandler {
	return &AuthHandler{service: s, cookie: cookie}
}

// Login проверяет пароль, устанавливает cookie сессии и возвращает токен в теле.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Debug("Ошибка декодирования запроса входа", "error", err)
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "пароль не может быть пустым")
		return
	}

	token, err := h.service.Login(req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cookie.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, models.LoginResponse{Token: token})
}

// Logout закрывает сессию и удаляет cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		h.service.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "сессия закрыта"})
}

// Health отвечает на проверку живости.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{OK: true})
}
