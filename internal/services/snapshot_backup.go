package services

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maynagashev/notekeeper/internal/storage"
)

const (
	snapshotPrefix        = "snapshots/"
	snapshotUploadTimeout = 30 * time.Second
	snapshotContentType   = "text/csv"
)

// SnapshotBackup выгружает копию файла данных в объектное хранилище после каждой записи.
// Очередь на одну позицию: если выгрузка не успевает, остается только последняя версия.
// Сбои выгрузки только логируются и не влияют на запись файла.
type SnapshotBackup struct {
	storage storage.FileStorage
	now     func() time.Time

	pending chan []byte
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSnapshotBackup запускает фоновую выгрузку.
func NewSnapshotBackup(fs storage.FileStorage) *SnapshotBackup {
	b := &SnapshotBackup{
		storage: fs,
		now:     time.Now,
		pending: make(chan []byte, 1),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Offer ставит содержимое файла в очередь выгрузки и не блокируется.
// Подходит как repository.Options.OnCommit.
func (b *SnapshotBackup) Offer(data []byte) {
	snapshot := bytes.Clone(data)
	for {
		select {
		case b.pending <- snapshot:
			return
		default:
		}
		// Вытесняем устаревшую версию.
		select {
		case <-b.pending:
		default:
		}
	}
}

func (b *SnapshotBackup) run() {
	defer b.wg.Done()
	for data := range b.pending {
		b.upload(data)
	}
}

func (b *SnapshotBackup) upload(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotUploadTimeout)
	defer cancel()

	key := snapshotPrefix + b.now().UTC().Format("20060102T150405.000000000Z") + "-notes.csv"
	if err := b.storage.UploadFile(ctx, key, bytes.NewReader(data), int64(len(data)), snapshotContentType); err != nil {
		slog.Error("Ошибка выгрузки копии файла данных", "key", key, "error", err)
		return
	}
	slog.Info("Копия файла данных выгружена", "key", key, "size", len(data))
}

// Close дожидается выгрузки последней поставленной версии.
// После Close вызывать Offer нельзя.
func (b *SnapshotBackup) Close() {
	b.once.Do(func() {
		close(b.pending)
		b.wg.Wait()
	})
}
