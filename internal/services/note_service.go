package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/maynagashev/notekeeper/internal/repository"
	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
)

// NoteService определяет операции над коллекцией банкнот.
type NoteService interface {
	List(ctx context.Context) []models.Note
	Get(ctx context.Context, id string) (models.Note, error)
	Create(ctx context.Context, fields models.Fields) (models.Note, error)
	Update(ctx context.Context, id string, fields models.Fields) (models.Note, error)
	PatchEstimate(ctx context.Context, id string, value decimal.Decimal, at *time.Time) (models.Note, error)
	Delete(ctx context.Context, id string) error
	// Import применяет строки импорта за одну запись файла.
	// Ошибочные строки пропускаются и перечисляются в результате.
	Import(ctx context.Context, rows []models.Fields) (*models.ImportResult, error)
	ImportCSV(ctx context.Context, r io.Reader) (*models.ImportResult, error)
	ExportAll(ctx context.Context) ([]byte, error)
}

// NoteOption настраивает noteService.
type NoteOption func(*noteService)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) NoteOption {
	return func(s *noteService) { s.now = now }
}

// WithIDGenerator подменяет генератор идентификаторов новых записей.
func WithIDGenerator(gen func() string) NoteOption {
	return func(s *noteService) { s.newID = gen }
}

// errNothingToWrite прерывает Mutate без перезаписи файла.
var errNothingToWrite = errors.New("нет изменений")

var _ NoteService = (*noteService)(nil)

type noteService struct {
	repo  repository.NoteRepository
	now   func() time.Time
	newID func() string
}

// NewNoteService создает сервис поверх репозитория.
func NewNoteService(repo repository.NoteRepository, opts ...NoteOption) NoteService {
	s := &noteService{
		repo:  repo,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List возвращает все записи в порядке добавления.
func (s *noteService) List(_ context.Context) []models.Note {
	snapshot := s.repo.Snapshot()
	notes := make([]models.Note, len(snapshot))
	for i, n := range snapshot {
		notes[i] = n.Clone()
	}
	return notes
}

func (s *noteService) Get(_ context.Context, id string) (models.Note, error) {
	for _, n := range s.repo.Snapshot() {
		if n.ID == id {
			return n.Clone(), nil
		}
	}
	return models.Note{}, ErrNotFound
}

// Create проверяет поля и добавляет новую запись в конец файла.
func (s *noteService) Create(ctx context.Context, fields models.Fields) (models.Note, error) {
	var created models.Note
	err := s.mutate(ctx, "create", func(notes []models.Note) ([]models.Note, error) {
		now := s.clock()
		n := models.Note{ID: s.uniqueID(notes), CreatedAt: now, UpdatedAt: now}
		change, verr := applyFields(&n, fields, false)
		if verr != nil {
			return nil, verr
		}
		stampEstimate(&n, change, now)
		created = n
		return append(notes, n), nil
	})
	if err != nil {
		return models.Note{}, err
	}
	slog.Info("Банкнота добавлена", "id", created.ID)
	return created.Clone(), nil
}

// Update заменяет все изменяемые поля записи. note_id и created_at сохраняются.
func (s *noteService) Update(ctx context.Context, id string, fields models.Fields) (models.Note, error) {
	var updated models.Note
	err := s.mutate(ctx, "update", func(notes []models.Note) ([]models.Note, error) {
		i := indexByID(notes, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		now := s.clock()
		n := notes[i].Clone()
		change, verr := applyFields(&n, fields, false)
		if verr != nil {
			return nil, verr
		}
		stampEstimate(&n, change, now)
		n.UpdatedAt = nextUpdatedAt(n.UpdatedAt, now)
		notes[i] = n
		updated = n
		return notes, nil
	})
	if err != nil {
		return models.Note{}, err
	}
	return updated.Clone(), nil
}

// PatchEstimate меняет только оценку. Без at отметка оценки - текущее время.
func (s *noteService) PatchEstimate(
	ctx context.Context,
	id string,
	value decimal.Decimal,
	at *time.Time,
) (models.Note, error) {
	if err := models.CheckAmount(value); err != nil {
		verr := &ValidationError{}
		verr.add(models.ColumnEstValue, amountReason(err))
		return models.Note{}, verr
	}
	var patched models.Note
	err := s.mutate(ctx, "estimate", func(notes []models.Note) ([]models.Note, error) {
		i := indexByID(notes, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		now := s.clock()
		stamp := now
		if at != nil {
			stamp = at.UTC()
		}
		n := &notes[i]
		n.EstValue = decimal.NewNullDecimal(value)
		n.EstUpdatedAt = &stamp
		n.UpdatedAt = nextUpdatedAt(n.UpdatedAt, now)
		patched = *n
		return notes, nil
	})
	if err != nil {
		return models.Note{}, err
	}
	slog.Info("Оценка банкноты обновлена", "id", id, "est_value", value.String())
	return patched.Clone(), nil
}

func (s *noteService) Delete(ctx context.Context, id string) error {
	err := s.mutate(ctx, "delete", func(notes []models.Note) ([]models.Note, error) {
		i := indexByID(notes, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		return slices.Delete(notes, i, i+1), nil
	})
	if err != nil {
		return err
	}
	slog.Info("Банкнота удалена", "id", id)
	return nil
}

// Import сопоставляет строки с существующими записями: по note_id, если он задан,
// иначе по естественному ключу (country, pick, grade). Найденная запись дополняется
// непустыми значениями строки, иначе создается новая. Строки, созданные ранее
// в том же импорте, тоже участвуют в сопоставлении.
func (s *noteService) Import(ctx context.Context, rows []models.Fields) (*models.ImportResult, error) {
	var result models.ImportResult
	err := s.mutate(ctx, "import", func(notes []models.Note) ([]models.Note, error) {
		result = models.ImportResult{Errors: []models.ImportRowError{}}
		idx := newNoteIndex(notes)
		now := s.clock()

		for i, row := range rows {
			rowNum := i + 1
			pos, found := idx.match(row)
			if found {
				n := notes[pos].Clone()
				change, verr := applyFields(&n, row, true)
				if verr != nil {
					result.Errors = append(result.Errors, models.ImportRowError{Row: rowNum, Reason: verr.Error()})
					continue
				}
				stampEstimate(&n, change, now)
				n.UpdatedAt = nextUpdatedAt(n.UpdatedAt, now)
				oldKey := notes[pos].NaturalKey()
				notes[pos] = n
				if oldKey != n.NaturalKey() {
					idx.rebuildKeys(notes)
				}
				result.Updated++
				continue
			}

			n, verr := s.newFromRow(row, notes, now)
			if verr != nil {
				result.Errors = append(result.Errors, models.ImportRowError{Row: rowNum, Reason: verr.Error()})
				continue
			}
			notes = append(notes, n)
			idx.add(n, len(notes)-1)
			result.Created++
		}

		if result.Created+result.Updated == 0 {
			return nil, errNothingToWrite
		}
		return notes, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Импорт завершен",
		"created", result.Created, "updated", result.Updated, "errors", len(result.Errors))
	return &result, nil
}

// newFromRow создает запись из строки импорта. Заданный note_id сохраняется,
// чтобы повторный импорт экспортированного файла сопоставлялся по нему.
func (s *noteService) newFromRow(row models.Fields, notes []models.Note, now time.Time) (models.Note, *ValidationError) {
	n := models.Note{ID: row.Get(models.ColumnID), CreatedAt: now}
	if n.ID == "" {
		n.ID = s.uniqueID(notes)
	}
	change, verr := applyFields(&n, row, false)
	if row.Has(models.ColumnCreatedAt) {
		if created, err := models.ParseTime(row[models.ColumnCreatedAt]); err != nil {
			if verr == nil {
				verr = &ValidationError{}
			}
			verr.add(models.ColumnCreatedAt, reasonTime)
		} else {
			n.CreatedAt = created
		}
	}
	if verr != nil {
		return models.Note{}, verr
	}
	stampEstimate(&n, change, now)
	n.UpdatedAt = now
	if n.UpdatedAt.Before(n.CreatedAt) {
		n.UpdatedAt = n.CreatedAt
	}
	return n, nil
}

// ImportCSV разбирает CSV-поток и применяет его через Import.
func (s *noteService) ImportCSV(ctx context.Context, r io.Reader) (*models.ImportResult, error) {
	rows, err := repository.ReadRows(r)
	if err != nil {
		if errors.Is(err, repository.ErrMalformedCSV) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedImport, err)
		}
		return nil, err
	}
	return s.Import(ctx, rows)
}

// ExportAll сериализует последний зафиксированный снимок в канонический CSV.
func (s *noteService) ExportAll(_ context.Context) ([]byte, error) {
	data, err := repository.EncodeNotes(s.repo.Snapshot())
	if err != nil {
		return nil, &StorageIOError{Op: "export", Err: err}
	}
	return data, nil
}

// mutate вызывает репозиторий и переводит ошибки хранилища в StorageIOError.
func (s *noteService) mutate(ctx context.Context, op string, fn repository.MutateFunc) error {
	err := s.repo.Mutate(ctx, fn)
	switch {
	case err == nil, errors.Is(err, errNothingToWrite):
		return nil
	case errors.Is(err, repository.ErrStorage), errors.Is(err, repository.ErrClosed):
		slog.Error("Ошибка файлового хранилища", "op", op, "error", err)
		return &StorageIOError{Op: op, Err: err}
	default:
		return err
	}
}

func (s *noteService) clock() time.Time {
	return s.now().UTC()
}

// uniqueID выдает идентификатор, которого еще нет в наборе.
func (s *noteService) uniqueID(notes []models.Note) string {
	for {
		id := s.newID()
		if indexByID(notes, id) < 0 {
			return id
		}
	}
}

func indexByID(notes []models.Note, id string) int {
	return slices.IndexFunc(notes, func(n models.Note) bool { return n.ID == id })
}

// nextUpdatedAt возвращает отметку изменения строго больше предыдущей.
func nextUpdatedAt(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// noteIndex ускоряет сопоставление строк импорта.
type noteIndex struct {
	byID  map[string]int
	byKey map[string]int // Первая по порядку запись с данным ключом
}

func newNoteIndex(notes []models.Note) *noteIndex {
	idx := &noteIndex{byID: make(map[string]int, len(notes))}
	for i, n := range notes {
		idx.byID[n.ID] = i
	}
	idx.rebuildKeys(notes)
	return idx
}

func (idx *noteIndex) rebuildKeys(notes []models.Note) {
	idx.byKey = make(map[string]int, len(notes))
	for i, n := range notes {
		if _, ok := idx.byKey[n.NaturalKey()]; !ok {
			idx.byKey[n.NaturalKey()] = i
		}
	}
}

func (idx *noteIndex) add(n models.Note, pos int) {
	idx.byID[n.ID] = pos
	if _, ok := idx.byKey[n.NaturalKey()]; !ok {
		idx.byKey[n.NaturalKey()] = pos
	}
}

func (idx *noteIndex) match(row models.Fields) (int, bool) {
	if id := row.Get(models.ColumnID); id != "" {
		pos, ok := idx.byID[id]
		return pos, ok
	}
	key := models.NaturalKey(row[models.ColumnCountry], row[models.ColumnPick], row[models.ColumnGrade])
	pos, ok := idx.byKey[key]
	return pos, ok
}
