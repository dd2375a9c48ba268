package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateSecret возвращает n случайных байт в base64url без выравнивания.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ошибка генерации случайного значения: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
