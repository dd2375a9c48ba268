package services

import (
	"errors"
	"slices"
	"strings"
)

// Кастомные ошибки сервиса.
var (
	ErrNotFound = errors.New("банкнота не найдена")
	// ErrMalformedImport означает, что поток импорта не удалось разобрать как CSV.
	ErrMalformedImport = errors.New("не удалось разобрать CSV")

	// ErrInvalidCredentials - общая ошибка входа, не раскрывающая причину.
	ErrInvalidCredentials = errors.New("неверные учетные данные")
	// ErrUnauthenticated означает отсутствующую, просроченную или неизвестную сессию либо токен.
	ErrUnauthenticated = errors.New("требуется аутентификация")
)

// ValidationError перечисляет все поля, не прошедшие проверку: имя поля -> причина.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "некорректные данные: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = reason
}

// orNil возвращает nil, если ошибок не накоплено.
func (e *ValidationError) orNil() *ValidationError {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// StorageIOError - сбой ввода-вывода файла данных. Исходный файл при этом не изменен.
type StorageIOError struct {
	Op  string
	Err error
}

func (e *StorageIOError) Error() string {
	return "ошибка хранилища при операции " + e.Op + ": " + e.Err.Error()
}

func (e *StorageIOError) Unwrap() error {
	return e.Err
}
