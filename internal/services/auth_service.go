package services

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthService определяет интерфейс для сервиса аутентификации.
type AuthService interface {
	// Login проверяет пароль и открывает сессию. Возвращает токен сессии.
	Login(password string) (string, error)
	// ValidateSession проверяет токен из cookie сессии.
	ValidateSession(token string) error
	// ValidateBearer проверяет машинный токен из заголовка Authorization.
	ValidateBearer(token string) error
	// Logout закрывает сессию. Неизвестный или уже закрытый токен игнорируется.
	Logout(token string)
	// Close останавливает фоновую очистку сессий.
	Close()
}

const (
	// MinSecretLength - минимальная длина API_TOKEN и SESSION_SECRET в байтах.
	MinSecretLength   = 32
	DefaultSessionTTL = 24 * time.Hour

	sessionIDBytes       = 32
	sessionIssuer        = "notekeeper"
	sessionSweepInterval = time.Minute
)

// Ошибки конфигурации аутентификации.
var (
	ErrPasswordRequired = errors.New("не задан APP_PASSWORD")
	ErrWeakAPIToken     = fmt.Errorf("API_TOKEN должен быть не короче %d байт", MinSecretLength)
	ErrWeakSecret       = fmt.Errorf("SESSION_SECRET должен быть не короче %d байт", MinSecretLength)
)

// AuthConfig содержит секреты и параметры сессий.
type AuthConfig struct {
	// Password - пароль входа в открытом виде либо готовый bcrypt-хеш ($2a$/$2b$/$2y$).
	Password      string
	APIToken      string
	SessionSecret string
	SessionTTL    time.Duration
}

// AuthOption настраивает authService.
type AuthOption func(*authService)

// WithAuthClock подменяет часы, по которым проверяется срок жизни сессий.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(s *authService) { s.now = now }
}

// Утверждения токена сессии. Идентификатор сессии хранится в jti.
type sessionClaims struct {
	jwt.RegisteredClaims
}

var _ AuthService = (*authService)(nil)

type authService struct {
	passwordHash []byte
	apiTokenSum  [sha256.Size]byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time // jti -> момент истечения
	done     chan struct{}
	closed   bool
}

// NewAuthService проверяет конфигурацию и запускает фоновую очистку истекших сессий.
func NewAuthService(cfg AuthConfig, opts ...AuthOption) (AuthService, error) {
	if cfg.Password == "" {
		return nil, ErrPasswordRequired
	}
	if len(cfg.APIToken) < MinSecretLength {
		return nil, ErrWeakAPIToken
	}
	if len(cfg.SessionSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}

	hash, err := passwordHash(cfg.Password)
	if err != nil {
		return nil, err
	}

	s := &authService{
		passwordHash: hash,
		apiTokenSum:  sha256.Sum256([]byte(cfg.APIToken)),
		secret:       []byte(cfg.SessionSecret),
		ttl:          cfg.SessionTTL,
		now:          time.Now,
		sessions:     make(map[string]time.Time),
		done:         make(chan struct{}),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep()
	return s, nil
}

// passwordHash возвращает bcrypt-хеш пароля. Готовый хеш используется как есть.
func passwordHash(password string) ([]byte, error) {
	if isBcryptHash(password) {
		if _, err := bcrypt.Cost([]byte(password)); err != nil {
			return nil, fmt.Errorf("некорректный bcrypt-хеш APP_PASSWORD: %w", err)
		}
		return []byte(password), nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("ошибка хеширования пароля: %w", err)
	}
	return hash, nil
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Login сравнивает пароль с хешем и выдает подписанный токен новой сессии.
func (s *authService) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		slog.Warn("Неудачная попытка входа")
		return "", ErrInvalidCredentials
	}

	sessionID, err := GenerateSecret(sessionIDBytes)
	if err != nil {
		return "", err
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена сессии: %w", err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = expires
	s.mu.Unlock()

	slog.Info("Открыта сессия", "expires_at", expires.UTC())
	return token, nil
}

// ValidateSession принимает только подписанный, неистекший токен известной сессии.
func (s *authService) ValidateSession(token string) error {
	claims, err := s.parse(token,
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ErrUnauthenticated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[claims.ID]
	if !ok || !s.now().Before(expires) {
		return ErrUnauthenticated
	}
	return nil
}

// ValidateBearer сравнивает SHA-256 токена за постоянное время.
func (s *authService) ValidateBearer(token string) error {
	if token == "" {
		return ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], s.apiTokenSum[:]) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// Logout удаляет сессию. Подпись проверяется, срок жизни нет.
func (s *authService) Logout(token string) {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[claims.ID]; ok {
		delete(s.sessions, claims.ID)
		slog.Info("Сессия закрыта")
	}
}

func (s *authService) parse(token string, opts ...jwt.ParserOption) (*sessionClaims, error) {
	claims := &sessionClaims{}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("в токене нет идентификатора сессии")
	}
	return claims, nil
}

// sweep периодически удаляет истекшие сессии.
func (s *authService) sweep() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *authService) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expires := range s.sessions {
		if !now.Before(expires) {
			delete(s.sessions, id)
		}
	}
}

// Close безопасно вызывать несколько раз.
func (s *authService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
