package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maynagashev/notekeeper/internal/api"
	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "api-token-0123456789abcdef0123456789abcdef"

func newClient(t *testing.T, handler http.HandlerFunc) api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := api.NewHTTPClient(srv.URL)
	client.SetAuthToken(testToken)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_Health(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "проверка живости без токена")
		writeJSON(w, http.StatusOK, models.HealthResponse{OK: true})
	})
	require.NoError(t, client.Health(context.Background()))
}

func TestHTTPClient_HealthUnavailable(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	require.Error(t, client.Health(context.Background()))
}

func TestHTTPClient_ListNotes(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/notes", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []models.Note{
			{ID: "n1", Country: "US", PurchasePrice: decimal.RequireFromString("12.5")},
			{ID: "n2", Country: "GB"},
		})
	})

	notes, err := client.ListNotes(context.Background())
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "n1", notes[0].ID)
	assert.True(t, decimal.RequireFromString("12.5").Equal(notes[0].PurchasePrice))
}

func TestHTTPClient_GetNote(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        any
		expectedErr error
	}{
		{name: "Успех", status: http.StatusOK, body: models.Note{ID: "a b"}},
		{name: "Не найдена", status: http.StatusNotFound, body: models.ErrorResponse{Error: "нет"},
			expectedErr: api.ErrNotFound},
		{name: "Неверный токен", status: http.StatusUnauthorized, body: models.ErrorResponse{Error: "нет"},
			expectedErr: api.ErrAuthorization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/notes/a%20b", r.URL.EscapedPath())
				writeJSON(w, tt.status, tt.body)
			})

			note, err := client.GetNote(context.Background(), "a b")
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a b", note.ID)
		})
	}
}

func TestHTTPClient_PatchEstimate(t *testing.T) {
	at := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/notes/n1/estimate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "150.5", fmt.Sprint(body["est_value"]))
		assert.Equal(t, "2024-02-01T10:00:00Z", body["est_updated_at"])

		writeJSON(w, http.StatusOK, models.Note{
			ID:       "n1",
			EstValue: decimal.NewNullDecimal(decimal.RequireFromString("150.5")),
		})
	})

	note, err := client.PatchEstimate(context.Background(), "n1", decimal.RequireFromString("150.5"), &at)
	require.NoError(t, err)
	assert.True(t, note.EstValue.Valid)
}

func TestHTTPClient_PatchEstimateRejected(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:  "некорректные данные: est_value: должно быть неотрицательным числом",
			Fields: map[string]string{"est_value": "должно быть неотрицательным числом"},
		})
	})

	_, err := client.PatchEstimate(context.Background(), "n1", decimal.NewFromInt(-1), nil)
	require.ErrorIs(t, err, api.ErrValidation)
	assert.Contains(t, err.Error(), "est_value")
}

func TestHTTPClient_ExportCSV(t *testing.T) {
	csvData := "note_id,country\nn1,US\n"
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notes.csv", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(csvData))
	})

	var buf bytes.Buffer
	n, err := client.ExportCSV(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(csvData)), n)
	assert.Equal(t, csvData, buf.String())
}

func TestHTTPClient_ServerErrorMessage(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "внутренняя ошибка сервера"})
	})

	_, err := client.ListNotes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "внутренняя ошибка сервера")
}

func TestHTTPClient_NoToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()
	client := api.NewHTTPClient(srv.URL)

	_, err := client.ListNotes(context.Background())
	require.ErrorIs(t, err, api.ErrNoToken)
	_, err = client.ExportCSV(context.Background(), &bytes.Buffer{})
	require.ErrorIs(t, err, api.ErrNoToken)
	assert.False(t, called, "запрос без токена не отправляется")
}
