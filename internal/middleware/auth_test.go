package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/maynagashev/notekeeper/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validSession = "valid-session"
	validBearer  = "valid-bearer"
)

var errDenied = errors.New("denied")

// stubAuthenticator принимает ровно один токен сессии и один машинный токен.
type stubAuthenticator struct{}

func (stubAuthenticator) ValidateSession(token string) error {
	if token == validSession {
		return nil
	}
	return errDenied
}

func (stubAuthenticator) ValidateBearer(token string) error {
	if token == validBearer {
		return nil
	}
	return errDenied
}

func TestGetAuthMethodFromContext(t *testing.T) {
	tests := []struct {
		name       string
		ctx        context.Context
		expected   middleware.AuthMethod
		expectedOK bool
	}{
		{
			name:       "Контекст со способом входа",
			ctx:        context.WithValue(context.Background(), middleware.AuthMethodKey, middleware.AuthBearer),
			expected:   middleware.AuthBearer,
			expectedOK: true,
		},
		{
			name:       "Пустой контекст",
			ctx:        context.Background(),
			expectedOK: false,
		},
		{
			name:       "Значение неверного типа",
			ctx:        context.WithValue(context.Background(), middleware.AuthMethodKey, "bearer"),
			expectedOK: false,
		},
		{
			name:       "Nil контекст",
			ctx:        nil,
			expectedOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, ok := middleware.GetAuthMethodFromContext(tt.ctx)
			assert.Equal(t, tt.expectedOK, ok)
			assert.Equal(t, tt.expected, method)
		})
	}
}

func TestRequire(t *testing.T) {
	type credentials struct {
		cookie string
		header string
	}
	session := credentials{cookie: validSession}
	bearer := credentials{header: "Bearer " + validBearer}

	tests := []struct {
		name       string
		middleware func(middleware.Authenticator) func(http.Handler) http.Handler
		creds      credentials
		wantStatus int
		wantMethod middleware.AuthMethod
	}{
		{name: "Сессия: cookie", middleware: middleware.RequireSession, creds: session,
			wantStatus: http.StatusOK, wantMethod: middleware.AuthSession},
		{name: "Сессия: только bearer", middleware: middleware.RequireSession, creds: bearer,
			wantStatus: http.StatusUnauthorized},
		{name: "Сессия: неверная cookie", middleware: middleware.RequireSession,
			creds: credentials{cookie: "forged"}, wantStatus: http.StatusUnauthorized},
		{name: "Bearer: токен", middleware: middleware.RequireBearer, creds: bearer,
			wantStatus: http.StatusOK, wantMethod: middleware.AuthBearer},
		{name: "Bearer: схема в нижнем регистре", middleware: middleware.RequireBearer,
			creds: credentials{header: "bearer " + validBearer}, wantStatus: http.StatusOK, wantMethod: middleware.AuthBearer},
		{name: "Bearer: только cookie", middleware: middleware.RequireBearer, creds: session,
			wantStatus: http.StatusUnauthorized},
		{name: "Bearer: неверная схема", middleware: middleware.RequireBearer,
			creds: credentials{header: "Basic " + validBearer}, wantStatus: http.StatusUnauthorized},
		{name: "Bearer: пустой токен", middleware: middleware.RequireBearer,
			creds: credentials{header: "Bearer "}, wantStatus: http.StatusUnauthorized},
		{name: "Bearer: неверный токен", middleware: middleware.RequireBearer,
			creds: credentials{header: "Bearer forged"}, wantStatus: http.StatusUnauthorized},
		{name: "Любой: cookie", middleware: middleware.RequireAny, creds: session,
			wantStatus: http.StatusOK, wantMethod: middleware.AuthSession},
		{name: "Любой: bearer", middleware: middleware.RequireAny, creds: bearer,
			wantStatus: http.StatusOK, wantMethod: middleware.AuthBearer},
		{name: "Любой: неверная cookie и верный bearer", middleware: middleware.RequireAny,
			creds:      credentials{cookie: "forged", header: "Bearer " + validBearer},
			wantStatus: http.StatusOK, wantMethod: middleware.AuthBearer},
		{name: "Любой: без учетных данных", middleware: middleware.RequireAny,
			wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod middleware.AuthMethod
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				method, ok := middleware.GetAuthMethodFromContext(r.Context())
				require.True(t, ok)
				gotMethod = method
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/notes", nil)
			if tt.creds.cookie != "" {
				req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: tt.creds.cookie})
			}
			if tt.creds.header != "" {
				req.Header.Set("Authorization", tt.creds.header)
			}
			rr := httptest.NewRecorder()

			tt.middleware(stubAuthenticator{})(next).ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantMethod, gotMethod)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
				assert.JSONEq(t, `{"error":"требуется аутентификация"}`, rr.Body.String())
			}
		})
	}
}
