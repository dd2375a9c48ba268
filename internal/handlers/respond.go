package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/maynagashev/notekeeper/internal/services"
	"github.com/maynagashev/notekeeper/models"
)

const (
	msgBadRequest = "неверный формат запроса"
	msgInternal   = "внутренняя ошибка сервера"
	msgTooLarge   = "слишком большой запрос"

	// extraKey - вложенный объект дополнительных полей в JSON-запросе.
	extraKey = "extra"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Ошибка кодирования ответа", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
// Подробности ошибок хранилища клиенту не передаются.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *services.ValidationError
		storeErr *services.StorageIOError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
	case errors.Is(err, services.ErrMalformedImport):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &storeErr):
		slog.Error("Ошибка хранилища при обработке запроса",
			"method", r.Method, "path", r.URL.Path, "op", storeErr.Op, "error", storeErr.Err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	default:
		slog.Error("Непредвиденная ошибка при обработке запроса",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

// decodeFields читает JSON-объект записи в models.Fields. Числа и логические значения
// приводятся к строкам, вложенный объект "extra" раскрывается в дополнительные поля.
// Второй результат перечисляет поля с недопустимым типом значения.
func decodeFields(body io.Reader) (models.Fields, map[string]string, error) {
	var raw map[string]any
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("ошибка декодирования JSON: %w", err)
	}
	if raw == nil {
		return nil, nil, errors.New("ожидается JSON-объект")
	}

	fields := make(models.Fields, len(raw))
	invalid := make(map[string]string)
	for key, value := range raw {
		if strings.EqualFold(strings.TrimSpace(key), extraKey) {
			if nested, ok := value.(map[string]any); ok {
				for k, v := range nested {
					name := strings.TrimSpace(k)
					if models.IsCanonicalColumn(models.CanonicalName(name)) {
						invalid[extraKey+"."+name] = "имя совпадает с основным полем"
						continue
					}
					setScalar(fields, invalid, name, v)
				}
				continue
			}
		}
		setScalar(fields, invalid, models.CanonicalName(key), value)
	}
	return fields, invalid, nil
}

func setScalar(fields models.Fields, invalid map[string]string, name string, value any) {
	switch v := value.(type) {
	case nil:
		fields[name] = ""
	case string:
		fields[name] = v
	case json.Number:
		fields[name] = v.String()
	case bool:
		fields[name] = strconv.FormatBool(v)
	default:
		invalid[name] = "ожидается строка, число или логическое значение"
	}
}
