package repository

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/maynagashev/notekeeper/models"
)

const utf8BOM = "\ufeff"

// ReadRows разбирает CSV-поток в набор строк, индексированных по именам колонок.
// Имена колонок нормализуются через models.CanonicalName, короткие строки дополняются
// пустыми значениями. Пустые значения дополнительных колонок не сохраняются.
func ReadRows(r io.Reader) ([]models.Fields, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Длина строк проверяется вручную

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: отсутствует строка заголовка", ErrMalformedCSV)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCSV, err)
	}
	columns, err := normalizeHeader(header)
	if err != nil {
		return nil, err
	}

	var rows []models.Fields
	for {
		record, readErr := reader.Read()
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedCSV, readErr)
		}
		if len(record) > len(columns) {
			for _, cell := range record[len(columns):] {
				if strings.TrimSpace(cell) != "" {
					line, _ := reader.FieldPos(0)
					return nil, fmt.Errorf("%w: строка %d содержит значения вне заголовка", ErrMalformedCSV, line)
				}
			}
		}

		row := make(models.Fields, len(columns))
		for i, name := range columns {
			value := ""
			if i < len(record) {
				value = record[i]
			}
			if !models.IsCanonicalColumn(name) && strings.TrimSpace(value) == "" {
				continue
			}
			row[name] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeHeader приводит имена колонок к каноническому виду и проверяет уникальность.
func normalizeHeader(header []string) ([]string, error) {
	columns := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		name = models.CanonicalName(name)
		if name == "" {
			return nil, fmt.Errorf("%w: пустое имя колонки %d", ErrMalformedCSV, i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: колонка %q повторяется", ErrMalformedCSV, name)
		}
		seen[name] = struct{}{}
		columns[i] = name
	}
	return columns, nil
}

// EncodeNotes сериализует записи в CSV: канонические колонки, затем
// дополнительные колонки в алфавитном порядке.
func EncodeNotes(notes []models.Note) ([]byte, error) {
	header := append(models.CanonicalColumns(), extraColumns(notes)...)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("ошибка записи заголовка CSV: %w", err)
	}
	for _, n := range notes {
		if err := w.Write(encodeNote(n, header)); err != nil {
			return nil, fmt.Errorf("ошибка записи строки CSV для %s: %w", n.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("ошибка записи CSV: %w", err)
	}
	return buf.Bytes(), nil
}

func extraColumns(notes []models.Note) []string {
	set := make(map[string]struct{})
	for _, n := range notes {
		for k := range n.Extra {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	slices.Sort(cols)
	return cols
}

func encodeNote(n models.Note, header []string) []string {
	est := ""
	if n.EstValue.Valid {
		est = n.EstValue.Decimal.String()
	}
	estUpdated := ""
	if n.EstUpdatedAt != nil {
		estUpdated = models.FormatTime(*n.EstUpdatedAt)
	}

	record := []string{
		n.ID,
		n.Country,
		n.Pick,
		n.Grade,
		n.PurchasePrice.String(),
		strconv.FormatBool(n.EPQ),
		n.PMGCert,
		n.Denomination,
		n.Year,
		n.Serial,
		n.PurchaseDate,
		est,
		estUpdated,
		n.Notes,
		models.FormatTime(n.CreatedAt),
		models.FormatTime(n.UpdatedAt),
	}
	for _, col := range header[len(record):] {
		record = append(record, n.Extra[col])
	}
	return record
}

// decodeNote восстанавливает запись из сохраненной строки файла.
// Пустые note_id и отметки времени допускаются: их заполняет normalize.
func decodeNote(f models.Fields) (models.Note, error) {
	n := models.Note{
		ID:           f.Get(models.ColumnID),
		Country:      f.Get(models.ColumnCountry),
		Pick:         f.Get(models.ColumnPick),
		Grade:        f.Get(models.ColumnGrade),
		PMGCert:      f[models.ColumnPMGCert],
		Denomination: f[models.ColumnDenomination],
		Year:         f[models.ColumnYear],
		Serial:       f[models.ColumnSerial],
		PurchaseDate: f[models.ColumnPurchaseDate],
		Notes:        f[models.ColumnNotes],
	}

	var problems []string
	if n.Country == "" || n.Pick == "" || n.Grade == "" {
		problems = append(problems, "пустое обязательное поле country/pick/grade")
	}

	price, err := models.ParseAmount(f[models.ColumnPurchasePrice])
	if err != nil {
		problems = append(problems, models.ColumnPurchasePrice+": "+err.Error())
	}
	n.PurchasePrice = price

	if n.EPQ, err = models.ParseEPQ(f[models.ColumnEPQ]); err != nil {
		problems = append(problems, models.ColumnEPQ+": "+err.Error())
	}

	if f.Has(models.ColumnEstValue) {
		est, estErr := models.ParseAmount(f[models.ColumnEstValue])
		if estErr != nil {
			problems = append(problems, models.ColumnEstValue+": "+estErr.Error())
		} else {
			n.EstValue.Decimal, n.EstValue.Valid = est, true
		}
	}

	if f.Has(models.ColumnEstUpdatedAt) {
		t, tErr := models.ParseTime(f[models.ColumnEstUpdatedAt])
		if tErr != nil {
			problems = append(problems, models.ColumnEstUpdatedAt+": "+tErr.Error())
		} else {
			n.EstUpdatedAt = &t
		}
	}
	for _, col := range []string{models.ColumnCreatedAt, models.ColumnUpdatedAt} {
		if !f.Has(col) {
			continue
		}
		t, tErr := models.ParseTime(f[col])
		if tErr != nil {
			problems = append(problems, col+": "+tErr.Error())
			continue
		}
		if col == models.ColumnCreatedAt {
			n.CreatedAt = t
		} else {
			n.UpdatedAt = t
		}
	}

	for k, v := range f {
		if models.IsCanonicalColumn(k) {
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]string)
		}
		n.Extra[k] = v
	}

	if len(problems) > 0 {
		return models.Note{}, errors.New(strings.Join(problems, "; "))
	}
	return n, nil
}
