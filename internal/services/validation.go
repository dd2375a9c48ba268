package services

import (
	"errors"
	"strings"
	"time"

	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
)

const (
	reasonRequired = "обязательное поле"
	reasonNegative = "должно быть неотрицательным числом"
	reasonNumber   = "ожидается десятичное число"
	reasonRange    = "не более 15 цифр в целой части и 8 знаков после запятой"
	reasonBool     = "ожидается логическое значение (true/false)"
	reasonTime     = "ожидается дата в формате RFC 3339"
)

// estimateChange описывает, как изменение полей затронуло оценку.
type estimateChange struct {
	changed bool       // est_value изменилось
	at      *time.Time // est_updated_at, переданное клиентом
}

// applyFields переносит значения полей в запись и проверяет их.
//
// merge=false - полная замена изменяемых полей (создание и обновление): отсутствующие
// поля очищаются, дополнительные поля заменяются целиком.
// merge=true - слияние при импорте: меняются только поля с непустым значением.
//
// note_id, created_at и updated_at из входных данных игнорируются.
func applyFields(n *models.Note, f models.Fields, merge bool) (estimateChange, *ValidationError) {
	verr := &ValidationError{}
	prevEst := n.EstValue

	setText := func(dst *string, col string, trim bool) {
		if merge && !f.Has(col) {
			return
		}
		v := f[col]
		if trim {
			v = strings.TrimSpace(v)
		}
		*dst = v
	}
	setText(&n.Country, models.ColumnCountry, true)
	setText(&n.Pick, models.ColumnPick, true)
	setText(&n.Grade, models.ColumnGrade, true)
	setText(&n.PMGCert, models.ColumnPMGCert, true)
	setText(&n.Denomination, models.ColumnDenomination, true)
	setText(&n.Year, models.ColumnYear, true)
	setText(&n.Serial, models.ColumnSerial, true)
	setText(&n.PurchaseDate, models.ColumnPurchaseDate, true)
	setText(&n.Notes, models.ColumnNotes, false)

	for col, v := range map[string]string{
		models.ColumnCountry: n.Country,
		models.ColumnPick:    n.Pick,
		models.ColumnGrade:   n.Grade,
	} {
		if v == "" {
			verr.add(col, reasonRequired)
		}
	}

	if !merge || f.Has(models.ColumnPurchasePrice) {
		if !f.Has(models.ColumnPurchasePrice) {
			verr.add(models.ColumnPurchasePrice, reasonRequired)
		} else if price, err := models.ParseAmount(f[models.ColumnPurchasePrice]); err != nil {
			verr.add(models.ColumnPurchasePrice, amountReason(err))
		} else {
			n.PurchasePrice = price
		}
	}

	if !merge || f.Has(models.ColumnEPQ) {
		epq, err := models.ParseEPQ(f[models.ColumnEPQ])
		if err != nil {
			verr.add(models.ColumnEPQ, reasonBool)
		} else {
			n.EPQ = epq
		}
	}

	switch {
	case f.Has(models.ColumnEstValue):
		est, err := models.ParseAmount(f[models.ColumnEstValue])
		if err != nil {
			verr.add(models.ColumnEstValue, amountReason(err))
		} else {
			n.EstValue = decimal.NewNullDecimal(est)
		}
	case !merge:
		n.EstValue = decimal.NullDecimal{}
	}

	var change estimateChange
	if f.Has(models.ColumnEstUpdatedAt) {
		at, err := models.ParseTime(f[models.ColumnEstUpdatedAt])
		if err != nil {
			verr.add(models.ColumnEstUpdatedAt, reasonTime)
		} else {
			change.at = &at
		}
	}
	change.changed = prevEst.Valid != n.EstValue.Valid ||
		(prevEst.Valid && !prevEst.Decimal.Equal(n.EstValue.Decimal))

	applyExtra(n, f, merge)
	return change, verr.orNil()
}

// applyExtra переносит поля, не входящие в канонический заголовок.
func applyExtra(n *models.Note, f models.Fields, merge bool) {
	if !merge {
		n.Extra = nil
	}
	for k, v := range f {
		k = strings.TrimSpace(k)
		if k == "" || models.IsCanonicalColumn(k) || strings.TrimSpace(v) == "" {
			continue
		}
		if n.Extra == nil {
			n.Extra = make(map[string]string)
		}
		n.Extra[k] = v
	}
}

// stampEstimate обновляет est_updated_at после изменения полей.
func stampEstimate(n *models.Note, change estimateChange, now time.Time) {
	switch {
	case !n.EstValue.Valid:
		n.EstUpdatedAt = nil
	case change.at != nil:
		n.EstUpdatedAt = change.at
	case change.changed:
		n.EstUpdatedAt = &now
	}
}

func amountReason(err error) string {
	if errors.Is(err, models.ErrNegativeAmount) {
		return reasonNegative
	}
	if errors.Is(err, models.ErrAmountRange) {
		return reasonRange
	}
	return reasonNumber
}

// ParseEstimate разбирает поля запроса на обновление оценки.
// Возвращает *ValidationError, если est_value отсутствует, не является числом или отрицательно.
func ParseEstimate(f models.Fields) (decimal.Decimal, *time.Time, error) {
	verr := &ValidationError{}
	var value decimal.Decimal
	if !f.Has(models.ColumnEstValue) {
		verr.add(models.ColumnEstValue, reasonRequired)
	} else if v, err := models.ParseAmount(f[models.ColumnEstValue]); err != nil {
		verr.add(models.ColumnEstValue, amountReason(err))
	} else {
		value = v
	}

	var at *time.Time
	if f.Has(models.ColumnEstUpdatedAt) {
		t, err := models.ParseTime(f[models.ColumnEstUpdatedAt])
		if err != nil {
			verr.add(models.ColumnEstUpdatedAt, reasonTime)
		} else {
			at = &t
		}
	}
	if verr = verr.orNil(); verr != nil {
		return decimal.Zero, nil, verr
	}
	return value, at, nil
}
