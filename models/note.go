package models

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

//nolint:gochecknoinits // Денежные значения отдаются в JSON числами, а не строками.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Note представляет одну банкноту коллекции.
// Известные колонки CSV отображаются в типизированные поля, неизвестные сохраняются в Extra.
type Note struct {
	ID            string              `json:"id"`
	Country       string              `json:"country"`
	Pick          string              `json:"pick"`
	Grade         string              `json:"grade"`
	PurchasePrice decimal.Decimal     `json:"purchase_price"`
	EPQ           bool                `json:"epq"`
	PMGCert       string              `json:"pmg_cert"`
	Denomination  string              `json:"denomination"`
	Year          string              `json:"year"`
	Serial        string              `json:"serial"`
	PurchaseDate  string              `json:"purchase_date"`
	EstValue      decimal.NullDecimal `json:"est_value"`
	EstUpdatedAt  *time.Time          `json:"est_updated_at,omitempty"`
	Notes         string              `json:"notes"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	// Extra хранит значения колонок, которых нет в каноническом заголовке.
	Extra map[string]string `json:"extra,omitempty"`
}

// Clone возвращает глубокую копию записи.
func (n Note) Clone() Note {
	c := n
	if n.EstUpdatedAt != nil {
		t := *n.EstUpdatedAt
		c.EstUpdatedAt = &t
	}
	if n.Extra != nil {
		c.Extra = maps.Clone(n.Extra)
	}
	return c
}

// NaturalKey возвращает ключ для сопоставления строк импорта без note_id.
func (n Note) NaturalKey() string {
	return NaturalKey(n.Country, n.Pick, n.Grade)
}

// EstimateRequest представляет тело запроса на обновление оценки.
type EstimateRequest struct {
	EstValue     decimal.Decimal `json:"est_value"`
	EstUpdatedAt *time.Time      `json:"est_updated_at,omitempty"`
}

// ImportRowError описывает строку импорта, которую не удалось применить.
type ImportRowError struct {
	Row    int    `json:"row"` // Номер строки данных, начиная с 1 (без заголовка)
	Reason string `json:"reason"`
}

// ImportResult представляет итог импорта CSV.
type ImportResult struct {
	Created int              `json:"created"`
	Updated int              `json:"updated"`
	Errors  []ImportRowError `json:"errors"`
}
