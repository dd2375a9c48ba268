package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maynagashev/notekeeper/internal/middleware"
	"github.com/stretchr/testify/assert"
)

// stubLimiter пропускает первые allow запросов, затем отвечает заданной паузой.
type stubLimiter struct {
	allow      int
	retryAfter time.Duration
	clients    []string
}

func (l *stubLimiter) Allow(client string) (bool, time.Duration) {
	l.clients = append(l.clients, client)
	if l.allow > 0 {
		l.allow--
		return true, 0
	}
	return false, l.retryAfter
}

func TestRateLimit(t *testing.T) {
	tests := []struct {
		name           string
		retryAfter     time.Duration
		wantRetryAfter string
	}{
		{name: "Округление вверх", retryAfter: 1500 * time.Millisecond, wantRetryAfter: "2"},
		{name: "Целые секунды", retryAfter: 30 * time.Second, wantRetryAfter: "30"},
		{name: "Не меньше секунды", retryAfter: 0, wantRetryAfter: "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &stubLimiter{allow: 1, retryAfter: tt.retryAfter}
			calls := 0
			handler := middleware.RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls++
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
			req.RemoteAddr = "192.0.2.10:51234"

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusNoContent, rr.Code)

			rr = httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusTooManyRequests, rr.Code)
			assert.Equal(t, tt.wantRetryAfter, rr.Header().Get("Retry-After"))
			assert.JSONEq(t, `{"error":"слишком много запросов"}`, rr.Body.String())

			assert.Equal(t, 1, calls)
			assert.Equal(t, []string{"192.0.2.10", "192.0.2.10"}, limiter.clients)
		})
	}
}

func TestRateLimit_RemoteAddrWithoutPort(t *testing.T) {
	limiter := &stubLimiter{allow: 1}
	handler := middleware.RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"203.0.113.5"}, limiter.clients)
}
