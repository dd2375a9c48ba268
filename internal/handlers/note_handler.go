package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maynagashev/notekeeper/internal/middleware"
	"github.com/maynagashev/notekeeper/internal/services"
	"github.com/maynagashev/notekeeper/models"
)

const (
	// MaxImportBytes ограничивает размер загружаемого CSV.
	MaxImportBytes = 10 << 20
	maxJSONBytes   = 1 << 20

	importFormField = "file"
	exportFilename  = "notes.csv"
)

// NoteHandler обрабатывает HTTP-запросы к коллекции.
type NoteHandler struct {
	service services.NoteService
}

// NewNoteHandler создает новый экземпляр NoteHandler.
func NewNoteHandler(s services.NoteService) *NoteHandler {
	return &NoteHandler{service: s}
}

func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List(r.Context()))
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	note, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r)
	if !ok {
		return
	}
	note, err := h.service.Create(r.Context(), fields)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// Update заменяет все изменяемые поля записи.
func (h *NoteHandler) Update(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r)
	if !ok {
		return
	}
	note, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "банкнота удалена", ID: id})
}

// PatchEstimate обновляет оценку. Доступен только по машинному токену.
func (h *NoteHandler) PatchEstimate(w http.ResponseWriter, r *http.Request) {
	fields, ok := h.readFields(w, r)
	if !ok {
		return
	}
	value, at, err := services.ParseEstimate(fields)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	note, err := h.service.PatchEstimate(r.Context(), chi.URLParam(r, "id"), value, at)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	method, _ := middleware.GetAuthMethodFromContext(r.Context())
	slog.Debug("Оценка обновлена через API", "id", note.ID, "auth", method)
	writeJSON(w, http.StatusOK, note)
}

// Import принимает CSV как поле формы "file" (multipart) или как тело запроса.
func (h *NoteHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxImportBytes)

	var src io.Reader = r.Body
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		file, _, err := r.FormFile(importFormField)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
				return
			}
			writeError(w, http.StatusBadRequest, "ожидается файл в поле формы \""+importFormField+"\"")
			return
		}
		defer file.Close()
		src = file
	}

	result, err := h.service.ImportCSV(r.Context(), src)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Export отдает всю коллекцию файлом CSV.
func (h *NoteHandler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.ExportAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": exportFilename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(data); err != nil {
		slog.Error("Ошибка отправки экспорта", "error", err)
	}
}

// readFields декодирует тело запроса. При ошибке ответ уже отправлен.
func (h *NoteHandler) readFields(w http.ResponseWriter, r *http.Request) (models.Fields, bool) {
	fields, invalid, err := decodeFields(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return nil, false
		}
		slog.Debug("Ошибка декодирования тела запроса", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return nil, false
	}
	if len(invalid) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: "некорректные данные", Fields: invalid})
		return nil, false
	}
	return fields, true
}
