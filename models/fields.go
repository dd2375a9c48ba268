package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Имена колонок CSV. Порядок и названия являются внешним контрактом:
// на них завязаны таблицы пользователя и цикл экспорт/импорт.
const (
	ColumnID            = "note_id"
	ColumnCountry       = "country"
	ColumnPick          = "pick"
	ColumnGrade         = "grade"
	ColumnPurchasePrice = "purchase_price"
	ColumnEPQ           = "epq"
	ColumnPMGCert       = "pmg_cert"
	ColumnDenomination  = "denomination"
	ColumnYear          = "year"
	ColumnSerial        = "serial"
	ColumnPurchaseDate  = "purchase_date"
	ColumnEstValue      = "est_value"
	ColumnEstUpdatedAt  = "est_updated_at"
	ColumnNotes         = "notes"
	ColumnCreatedAt     = "created_at"
	ColumnUpdatedAt     = "updated_at"

	// columnIDAlias принимается вместо note_id (так поле называется в JSON).
	columnIDAlias = "id"
)

// CanonicalColumns возвращает канонический порядок колонок файла.
func CanonicalColumns() []string {
	return []string{
		ColumnID, ColumnCountry, ColumnPick, ColumnGrade, ColumnPurchasePrice, ColumnEPQ,
		ColumnPMGCert, ColumnDenomination, ColumnYear, ColumnSerial, ColumnPurchaseDate,
		ColumnEstValue, ColumnEstUpdatedAt, ColumnNotes, ColumnCreatedAt, ColumnUpdatedAt,
	}
}

var canonicalSet = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range CanonicalColumns() {
		set[c] = struct{}{}
	}
	return set
}()

// IsCanonicalColumn сообщает, входит ли имя в канонический заголовок.
func IsCanonicalColumn(name string) bool {
	_, ok := canonicalSet[name]
	return ok
}

// CanonicalName приводит имя колонки или JSON-ключа к каноническому виду.
// Известные колонки сравниваются без учета регистра, "id" становится "note_id".
// Неизвестные имена возвращаются как есть (без пробелов по краям).
func CanonicalName(name string) string {
	trimmed := strings.TrimSpace(name)
	lower := strings.ToLower(trimmed)
	if lower == columnIDAlias {
		return ColumnID
	}
	if IsCanonicalColumn(lower) {
		return lower
	}
	return trimmed
}

// Fields - сырые строковые значения одной записи: строка CSV или тело JSON-запроса.
// Ключи - канонические имена колонок либо имена дополнительных полей.
type Fields map[string]string

// Get возвращает значение поля без пробелов по краям.
func (f Fields) Get(name string) string {
	return strings.TrimSpace(f[name])
}

// Has сообщает, передано ли непустое значение поля.
func (f Fields) Has(name string) bool {
	return f.Get(name) != ""
}

// Ошибки разбора значений.
var (
	ErrNegativeAmount = errors.New("сумма не может быть отрицательной")
	ErrInvalidAmount  = errors.New("ожидается десятичное число")
	ErrAmountRange    = errors.New("сумма вне допустимого диапазона")
	ErrInvalidBool    = errors.New("ожидается логическое значение")
	ErrInvalidTime    = errors.New("ожидается дата в формате RFC 3339")
)

// Пределы суммы: не больше MaxAmountIntDigits цифр в целой части
// и MaxAmountScale знаков после запятой.
const (
	MaxAmountIntDigits = 15
	MaxAmountScale     = 8
)

// ParseAmount разбирает неотрицательную десятичную сумму.
// Экспоненциальная запись допускается, но значение должно укладываться в пределы суммы.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err = CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckAmount проверяет, что сумма неотрицательна и укладывается в пределы.
func CheckAmount(d decimal.Decimal) error {
	// Только по экспоненте и коэффициенту, без String() и арифметики.
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale || exp+int64(d.NumDigits()) > MaxAmountIntDigits {
		return fmt.Errorf("%w: экспонента %d, цифр %d", ErrAmountRange, exp, d.NumDigits())
	}
	if d.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

// ParseEPQ разбирает признак EPQ. Пустое значение означает false.
func ParseEPQ(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "f", "no", "n", "0":
		return false, nil
	case "true", "t", "yes", "y", "1", "epq":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidBool, s)
	}
}

// ParseTime разбирает отметку времени в RFC 3339 или дату вида 2006-01-02. Результат в UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// FormatTime форматирует отметку времени для CSV.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NaturalKey строит естественный ключ (country, pick, grade) без учета регистра и пробелов.
func NaturalKey(country, pick, grade string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(country) + "\x1f" + norm(pick) + "\x1f" + norm(grade)
}
