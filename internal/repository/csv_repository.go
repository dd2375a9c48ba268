package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/maynagashev/notekeeper/models"
)

const (
	newFilePermissions = 0o600
	dirPermissions     = 0o750
	lockSuffix         = ".lock"
)

// MutateFunc получает свежую копию всех записей файла и возвращает новое содержимое.
// Ошибка из MutateFunc отменяет запись и возвращается вызывающему как есть.
type MutateFunc func(notes []models.Note) ([]models.Note, error)

// NoteRepository определяет доступ к файлу данных.
type NoteRepository interface {
	// Snapshot возвращает последний зафиксированный набор записей без блокировок.
	// Срез общий для всех читателей: изменять его нельзя.
	Snapshot() []models.Note
	// Mutate выполняет изменение под единственной блокировкой записи и атомарно
	// перезаписывает файл. Отмена ctx не прерывает начатую запись.
	Mutate(ctx context.Context, fn MutateFunc) error
}

// Options содержит необязательные параметры репозитория.
type Options struct {
	// OnCommit вызывается после каждой успешной записи с новым содержимым файла.
	// Вызывается под блокировкой записи, поэтому не должен блокироваться.
	OnCommit func(data []byte)
	// Now подменяет часы (для тестов).
	Now func() time.Time
}

// CSVNoteRepository реализует NoteRepository поверх одного CSV-файла.
//
// Запись: блокировка -> чтение файла -> изменение в памяти -> запись во временный файл
// в том же каталоге -> fsync -> rename поверх исходного -> публикация снимка.
// Чтение идет из атомарно подменяемого снимка и не ждет писателей.
type CSVNoteRepository struct {
	path string
	dir  string

	mu       sync.Mutex // Единственный писатель
	closed   bool
	snapshot atomic.Pointer[[]models.Note]
	fileLock *flock.Flock

	onCommit func(data []byte)
	now      func() time.Time

	// beforeRename позволяет тестам имитировать сбой между записью и rename.
	beforeRename func(tmpPath string) error
}

var _ NoteRepository = (*CSVNoteRepository)(nil)

// NewCSVNoteRepository открывает файл данных, захватывает межпроцессную блокировку
// <path>.lock и загружает записи. Отсутствующий файл создается с заголовком.
func NewCSVNoteRepository(path string, opts Options) (*CSVNoteRepository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: некорректный путь %q: %v", ErrStorage, path, err)
	}
	r := &CSVNoteRepository{
		path:     absPath,
		dir:      filepath.Dir(absPath),
		onCommit: opts.OnCommit,
		now:      opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}

	if err = os.MkdirAll(r.dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: создание каталога %s: %v", ErrStorage, r.dir, err)
	}

	r.fileLock = flock.New(absPath + lockSuffix)
	locked, err := r.fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: блокировка %s: %v", ErrStorage, r.fileLock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, absPath)
	}

	if err = r.open(); err != nil {
		if unlockErr := r.fileLock.Unlock(); unlockErr != nil {
			slog.Error("Ошибка снятия блокировки файла данных", "path", r.fileLock.Path(), "error", unlockErr)
		}
		return nil, err
	}
	return r, nil
}

// open загружает файл и при необходимости приводит его к каноническому виду.
func (r *CSVNoteRepository) open() error {
	r.removeStaleTemps()

	notes, raw, err := r.load()
	if err != nil {
		return err
	}
	encoded, err := EncodeNotes(notes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !bytes.Equal(encoded, raw) {
		if err = r.commit(encoded); err != nil {
			return err
		}
		slog.Info("Файл данных приведен к каноническому виду", "path", r.path, "notes", len(notes))
	}
	r.snapshot.Store(&notes)
	slog.Info("Файл данных загружен", "path", r.path, "notes", len(notes))
	return nil
}

// Path возвращает абсолютный путь к файлу данных.
func (r *CSVNoteRepository) Path() string {
	return r.path
}

// Snapshot возвращает последний зафиксированный набор записей.
func (r *CSVNoteRepository) Snapshot() []models.Note {
	if p := r.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Mutate выполняет изменение файла под блокировкой записи.
func (r *CSVNoteRepository) Mutate(_ context.Context, fn MutateFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	current, _, err := r.load()
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	data, err := EncodeNotes(next)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err = r.commit(data); err != nil {
		return err
	}

	r.snapshot.Store(&next)
	if r.onCommit != nil {
		r.onCommit(data)
	}
	return nil
}

// Close снимает межпроцессную блокировку. Повторный вызов безопасен.
func (r *CSVNoteRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.fileLock.Unlock(); err != nil {
		return fmt.Errorf("ошибка снятия блокировки %s: %w", r.fileLock.Path(), err)
	}
	return nil
}

// load читает и разбирает текущий файл. Отсутствующий или пустой файл - пустой набор.
func (r *CSVNoteRepository) load() ([]models.Note, []byte, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.Note{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: чтение %s: %v", ErrStorage, r.path, err)
	}
	if len(bytes.TrimSpace(bytes.TrimPrefix(raw, []byte(utf8BOM)))) == 0 {
		return []models.Note{}, raw, nil
	}

	rows, err := ReadRows(bytes.NewReader(raw))
	if err != nil {
		return nil, raw, fmt.Errorf("%w: разбор %s: %w", ErrStorage, r.path, err)
	}
	notes := make([]models.Note, 0, len(rows))
	for i, row := range rows {
		n, decodeErr := decodeNote(row)
		if decodeErr != nil {
			return nil, raw, fmt.Errorf("%w: строка %d файла %s: %v", ErrStorage, i+1, r.path, decodeErr)
		}
		notes = append(notes, n)
	}
	r.normalize(notes)
	return notes, raw, nil
}

// normalize заполняет отсутствующие идентификаторы и отметки времени
// и заменяет повторяющиеся идентификаторы (файл могли править вручную).
func (r *CSVNoteRepository) normalize(notes []models.Note) {
	now := r.now().UTC()
	seen := make(map[string]struct{}, len(notes))
	for i := range notes {
		n := &notes[i]
		if n.ID == "" {
			n.ID = uuid.NewString()
		} else if _, dup := seen[n.ID]; dup {
			newID := uuid.NewString()
			slog.Warn("Повторяющийся note_id заменен", "path", r.path, "row", i+1, "old_id", n.ID, "new_id", newID)
			n.ID = newID
		}
		seen[n.ID] = struct{}{}

		if n.CreatedAt.IsZero() {
			n.CreatedAt = n.UpdatedAt
			if n.CreatedAt.IsZero() {
				n.CreatedAt = now
			}
		}
		if n.UpdatedAt.Before(n.CreatedAt) {
			n.UpdatedAt = n.CreatedAt
		}
	}
}

// commit атомарно заменяет содержимое файла данных.
// При любой ошибке до rename исходный файл не изменен, временный файл удален.
func (r *CSVNoteRepository) commit(data []byte) error {
	tmp, err := os.CreateTemp(r.dir, r.tempPattern())
	if err != nil {
		return fmt.Errorf("%w: создание временного файла в %s: %v", ErrStorage, r.dir, err)
	}
	tmpPath := tmp.Name()
	fail := func(step string, cause error) error {
		_ = tmp.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Error("Не удалось удалить временный файл", "path", tmpPath, "error", rmErr)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrStorage, step, tmpPath, cause)
	}

	if info, statErr := os.Stat(r.path); statErr == nil {
		if err = tmp.Chmod(info.Mode().Perm()); err != nil {
			return fail("смена прав", err)
		}
	} else if err = tmp.Chmod(newFilePermissions); err != nil {
		return fail("смена прав", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fail("запись", err)
	}
	if err = tmp.Sync(); err != nil {
		return fail("fsync", err)
	}
	if err = tmp.Close(); err != nil {
		return fail("закрытие", err)
	}
	if r.beforeRename != nil {
		if err = r.beforeRename(tmpPath); err != nil {
			return fail("подготовка rename", err)
		}
	}
	if err = os.Rename(tmpPath, r.path); err != nil {
		return fail("rename", err)
	}

	// После rename новая версия видна читателям, ошибка fsync каталога уже не откатывает запись.
	if err = syncDir(r.dir); err != nil {
		slog.Warn("Не удалось выполнить fsync каталога данных", "dir", r.dir, "error", err)
	}
	return nil
}

func (r *CSVNoteRepository) tempPrefix() string {
	return "." + filepath.Base(r.path) + ".tmp-"
}

func (r *CSVNoteRepository) tempPattern() string {
	return r.tempPrefix() + "*"
}

// removeStaleTemps удаляет временные файлы, оставшиеся после аварийного завершения.
// Имя файла данных сравнивается как строка: в нем могут быть символы шаблонов.
func (r *CSVNoteRepository) removeStaleTemps() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		slog.Warn("Не удалось прочитать каталог файла данных", "dir", r.dir, "error", err)
		return
	}
	prefix := r.tempPrefix()
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		m := filepath.Join(r.dir, e.Name())
		if rmErr := os.Remove(m); rmErr != nil {
			slog.Warn("Не удалось удалить старый временный файл", "path", m, "error", rmErr)
			continue
		}
		slog.Info("Удален временный файл прерванной записи", "path", m)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
