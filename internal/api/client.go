package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/maynagashev/notekeeper/models"
	"github.com/shopspring/decimal"
)

const defaultTimeout = 30 * time.Second

// Ошибки клиента, соответствующие ответам сервера.
var (
	// ErrAuthorization сигнализирует об ошибке авторизации (401).
	ErrAuthorization = errors.New("ошибка авторизации")
	ErrNotFound      = errors.New("банкнота не найдена на сервере")
	// ErrValidation - сервер отклонил данные (422).
	ErrValidation = errors.New("сервер отклонил данные")
	ErrNoToken    = errors.New("токен аутентификации отсутствует")
)

// Client определяет интерфейс для автоматизации через машинный токен.
type Client interface {
	// Health проверяет доступность сервера. Токен не нужен.
	Health(ctx context.Context) error
	ListNotes(ctx context.Context) ([]models.Note, error)
	GetNote(ctx context.Context, id string) (*models.Note, error)
	// PatchEstimate обновляет оценку банкноты. Без at сервер ставит текущее время.
	PatchEstimate(ctx context.Context, id string, value decimal.Decimal, at *time.Time) (*models.Note, error)
	// ExportCSV скачивает всю коллекцию в CSV и пишет ее в w.
	ExportCSV(ctx context.Context, w io.Writer) (int64, error)
	// SetAuthToken устанавливает машинный токен (API_TOKEN).
	SetAuthToken(token string)
}

// httpClient реализует интерфейс Client по HTTP.
type httpClient struct {
	baseURL    string // Базовый URL сервера, например "http://localhost:8080"
	httpClient *http.Client
	authToken  string
}

// NewHTTPClient создает новый экземпляр API клиента.
func NewHTTPClient(baseURL string) Client {
	return &httpClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *httpClient) SetAuthToken(token string) {
	c.authToken = token
}

func (c *httpClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/health", nil, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("сервер недоступен: статус %d", resp.StatusCode)
	}
	var health models.HealthResponse
	if err = json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("ошибка декодирования ответа проверки: %w", err)
	}
	if !health.OK {
		return errors.New("сервер сообщил о неготовности")
	}
	return nil
}

func (c *httpClient) ListNotes(ctx context.Context) ([]models.Note, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/notes", nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err = checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("ошибка получения списка: %w", err)
	}
	var notes []models.Note
	if err = json.NewDecoder(resp.Body).Decode(&notes); err != nil {
		return nil, fmt.Errorf("ошибка декодирования списка: %w", err)
	}
	return notes, nil
}

func (c *httpClient) GetNote(ctx context.Context, id string) (*models.Note, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/notes/"+url.PathEscape(id), nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err = checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("ошибка получения банкноты %s: %w", id, err)
	}
	var note models.Note
	if err = json.NewDecoder(resp.Body).Decode(&note); err != nil {
		return nil, fmt.Errorf("ошибка декодирования банкноты: %w", err)
	}
	return &note, nil
}

func (c *httpClient) PatchEstimate(
	ctx context.Context,
	id string,
	value decimal.Decimal,
	at *time.Time,
) (*models.Note, error) {
	body, err := json.Marshal(models.EstimateRequest{EstValue: value, EstUpdatedAt: at})
	if err != nil {
		return nil, fmt.Errorf("ошибка кодирования оценки: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/api/notes/"+url.PathEscape(id)+"/estimate", body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err = checkStatus(resp, http.StatusOK); err != nil {
		return nil, fmt.Errorf("ошибка обновления оценки %s: %w", id, err)
	}
	var note models.Note
	if err = json.NewDecoder(resp.Body).Decode(&note); err != nil {
		return nil, fmt.Errorf("ошибка декодирования банкноты: %w", err)
	}
	return &note, nil
}

func (c *httpClient) ExportCSV(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/notes.csv", nil, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err = checkStatus(resp, http.StatusOK); err != nil {
		return 0, fmt.Errorf("ошибка экспорта: %w", err)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("ошибка чтения экспорта: %w", err)
	}
	return n, nil
}

// do выполняет запрос к эндпоинту. Тело, если есть, отправляется как JSON.
func (c *httpClient) do(ctx context.Context, method, path string, body []byte, auth bool) (*http.Response, error) {
	endpoint, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("ошибка формирования URL %s: %w", path, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if c.authToken == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения запроса %s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus переводит неожиданный статус в ошибку, добавляя сообщение сервера.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	var errResp models.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuthorization
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		if errResp.Error != "" {
			return fmt.Errorf("%w: %s", ErrValidation, errResp.Error)
		}
		return ErrValidation
	}
	if errResp.Error != "" {
		return fmt.Errorf("статус %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("статус %d", resp.StatusCode)
}
