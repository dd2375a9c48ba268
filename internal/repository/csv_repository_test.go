package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "note_id,country,pick,grade,purchase_price,epq,pmg_cert,denomination,year,serial," +
	"purchase_date,est_value,est_updated_at,notes,created_at,updated_at\n"

func openTemp(t *testing.T, content string, opts Options) (*CSVNoteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.csv")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	repo, err := NewCSVNoteRepository(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, path
}

func appendNote(id string) MutateFunc {
	return func(notes []models.Note) ([]models.Note, error) {
		now := time.Now().UTC()
		return append(notes, models.Note{
			ID: id, Country: "US", Pick: id, Grade: "64",
			PurchasePrice: decimal.NewFromInt(1),
			CreatedAt:     now, UpdatedAt: now,
		}), nil
	}
}

func TestNewCSVNoteRepository_CreatesMissingFile(t *testing.T) {
	repo, path := openTemp(t, "", Options{})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, header, string(data))
	assert.Empty(t, repo.Snapshot())
	assert.Equal(t, path, repo.Path())
}

func TestNewCSVNoteRepository_SecondInstanceLocked(t *testing.T) {
	_, path := openTemp(t, "", Options{})

	_, err := NewCSVNoteRepository(path, Options{})
	require.ErrorIs(t, err, ErrLocked)
}

func TestNewCSVNoteRepository_NormalizesLegacyFile(t *testing.T) {
	legacy := "Country,Pick,Grade,Purchase_Price,Shelf\n" +
		"US,A1,64,12.50,B2\n" +
		"GB,P1,58,3,\n"
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	repo, path := openTemp(t, legacy, Options{Now: func() time.Time { return fixed }})

	notes := repo.Snapshot()
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, fixed, n.CreatedAt)
		assert.Equal(t, fixed, n.UpdatedAt)
	}
	assert.Equal(t, "B2", notes[0].Extra["Shelf"])
	assert.Empty(t, notes[1].Extra)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	assert.Equal(t, strings.TrimSuffix(header, "\n")+",Shelf", lines[0])
	assert.Contains(t, lines[1], notes[0].ID)
}

func TestNewCSVNoteRepository_ReplacesDuplicateIDs(t *testing.T) {
	content := header +
		"dup,US,A1,64,1,false,,,,,,,,,2024-01-01T00:00:00Z,2024-01-01T00:00:00Z\n" +
		"dup,US,A2,64,1,false,,,,,,,,,2024-01-01T00:00:00Z,2024-01-01T00:00:00Z\n"
	repo, _ := openTemp(t, content, Options{})

	notes := repo.Snapshot()
	require.Len(t, notes, 2)
	assert.Equal(t, "dup", notes[0].ID)
	assert.NotEqual(t, "dup", notes[1].ID)
	assert.NotEmpty(t, notes[1].ID)
}

func TestNewCSVNoteRepository_RejectsCorruptFile(t *testing.T) {
	content := header + "n1,US,A1,64,not-a-number,false,,,,,,,,,,\n"
	path := filepath.Join(t.TempDir(), "notes.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := NewCSVNoteRepository(path, Options{})
	require.ErrorIs(t, err, ErrStorage)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, content, string(data), "поврежденный файл не перезаписывается")

	// Блокировка снята, файл можно открыть после исправления.
	require.NoError(t, os.WriteFile(path, []byte(header), 0o600))
	repo, err := NewCSVNoteRepository(path, Options{})
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}

func TestNewCSVNoteRepository_RemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.csv")
	stale := filepath.Join(dir, ".notes.csv.tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	other := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))

	repo, err := NewCSVNoteRepository(path, Options{})
	require.NoError(t, err)
	defer repo.Close()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, other)
}

func TestNewCSVNoteRepository_RemovesStaleTempsWithPatternChars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes[1]*?.csv")
	stale := filepath.Join(dir, ".notes[1]*?.csv.tmp-42")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	// Совпадает с шаблоном .notes[1]*?.csv.tmp-*, но принадлежит другому файлу.
	foreign := filepath.Join(dir, ".notes1xy.csv.tmp-7")
	require.NoError(t, os.WriteFile(foreign, []byte("x"), 0o600))

	repo, err := NewCSVNoteRepository(path, Options{})
	require.NoError(t, err)
	defer repo.Close()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, foreign)

	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))
	assert.Len(t, repo.Snapshot(), 1)
}

func TestMutate_PersistsAndPublishesSnapshot(t *testing.T) {
	var committed []byte
	repo, path := openTemp(t, "", Options{OnCommit: func(data []byte) { committed = data }})

	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))

	assert.Len(t, repo.Snapshot(), 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, committed)
	assert.Contains(t, string(data), "n1,US,n1,64,1,false")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMutate_FuncErrorLeavesFileUntouched(t *testing.T) {
	repo, path := openTemp(t, "", Options{})
	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = repo.Mutate(context.Background(), func([]models.Note) ([]models.Note, error) {
		return nil, errBoom
	})
	require.ErrorIs(t, err, errBoom)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, repo.Snapshot(), 1)
}

func TestMutate_CrashBeforeRename(t *testing.T) {
	repo, path := openTemp(t, "", Options{})
	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	repo.beforeRename = func(tmpPath string) error {
		// Временный файл полностью записан, но еще не переименован.
		data, readErr := os.ReadFile(tmpPath)
		require.NoError(t, readErr)
		assert.Contains(t, string(data), "n2")
		return errors.New("сбой питания")
	}
	err = repo.Mutate(context.Background(), appendNote("n2"))
	require.ErrorIs(t, err, ErrStorage)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "файл побайтно совпадает с состоянием до записи")
	assert.Len(t, repo.Snapshot(), 1)

	temps, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".notes.csv.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, temps)

	// После сбоя запись снова работает.
	repo.beforeRename = nil
	require.NoError(t, repo.Mutate(context.Background(), appendNote("n3")))
	assert.Len(t, repo.Snapshot(), 2)
}

func TestMutate_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	repo, path := openTemp(t, "", Options{})

	const writers = 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Mutate(context.Background(), appendNote(fmt.Sprintf("n%02d", i))))
		}()
	}
	wg.Wait()

	assert.Len(t, repo.Snapshot(), writers)

	reopened := reopen(t, repo, path)
	notes := reopened.Snapshot()
	require.Len(t, notes, writers)
	seen := make(map[string]bool)
	for _, n := range notes {
		assert.False(t, seen[n.ID], "повтор %s", n.ID)
		seen[n.ID] = true
	}
}

func TestMutate_ReadersSeeConsistentSnapshots(t *testing.T) {
	repo, _ := openTemp(t, "", Options{})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prev := 0
		for {
			select {
			case <-done:
				return
			default:
			}
			n := len(repo.Snapshot())
			assert.GreaterOrEqual(t, n, prev, "снимок не откатывается назад")
			prev = n
		}
	}()

	for i := range 20 {
		require.NoError(t, repo.Mutate(context.Background(), appendNote(fmt.Sprintf("n%d", i))))
	}
	close(done)
	wg.Wait()
}

func TestMutate_AfterClose(t *testing.T) {
	repo, _ := openTemp(t, "", Options{})
	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close(), "повторный Close безопасен")

	err := repo.Mutate(context.Background(), appendNote("n1"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMutate_PicksUpExternalEdits(t *testing.T) {
	repo, path := openTemp(t, "", Options{})
	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := string(data) + "manual,GB,P1,58,2,false,,,,,,,,,2024-01-01T00:00:00Z,2024-01-01T00:00:00Z\n"
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	require.NoError(t, repo.Mutate(context.Background(), appendNote("n2")))
	notes := repo.Snapshot()
	require.Len(t, notes, 3)
	assert.Equal(t, "manual", notes[1].ID)
}

func TestMutate_KeepsFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.csv")
	require.NoError(t, os.WriteFile(path, []byte(header), 0o640))
	repo, err := NewCSVNoteRepository(path, Options{})
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Mutate(context.Background(), appendNote("n1")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func reopen(t *testing.T, repo *CSVNoteRepository, path string) *CSVNoteRepository {
	t.Helper()
	require.NoError(t, repo.Close())
	reopened, err := NewCSVNoteRepository(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	return reopened
}
