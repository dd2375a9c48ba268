package repository

import "errors"

// Кастомные ошибки репозитория.
var (
	// ErrStorage оборачивает любые ошибки ввода-вывода файла данных.
	// При этой ошибке исходный файл гарантированно не изменен.
	ErrStorage = errors.New("ошибка файлового хранилища")
	// ErrMalformedCSV означает, что поток не удалось разобрать как CSV.
	ErrMalformedCSV = errors.New("некорректный CSV")
	// ErrLocked означает, что файл данных уже открыт другим процессом.
	ErrLocked = errors.New("файл данных используется другим процессом")
	// ErrClosed возвращается при обращении к закрытому репозиторию.
	ErrClosed = errors.New("репозиторий закрыт")
)
