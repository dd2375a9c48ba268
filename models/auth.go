package models

// LoginRequest представляет тело запроса на вход.
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse представляет тело ответа при успешном входе.
// Тот же токен устанавливается в cookie сессии.
type LoginResponse struct {
	Token string `json:"token"`
}

// MessageResponse представляет простой ответ-подтверждение.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// HealthResponse представляет ответ проверки живости.
type HealthResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse представляет тело ответа с ошибкой.
// Fields заполняется только для ошибок валидации: имя поля -> причина.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
