package services

import (
	"sync"
	"time"
)

const rateSweepInterval = time.Minute

// window - счетчик запросов одного клиента в текущем окне.
type window struct {
	start time.Time
	count int
}

// RateLimiter ограничивает число запросов клиента фиксированным окном.
// Лимит limit <= 0 отключает ограничение.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	period  time.Duration
	clients map[string]*window
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// RateLimiterOption настраивает RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateClock подменяет часы ограничителя.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter создает ограничитель и запускает очистку устаревших окон.
func NewRateLimiter(limit int, period time.Duration, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		limit:   limit,
		period:  period,
		clients: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanup()
	return l
}

// Allow учитывает запрос клиента. Если лимит исчерпан, возвращает false
// и время до начала следующего окна.
func (l *RateLimiter) Allow(client string) (bool, time.Duration) {
	if l.limit <= 0 || l.period <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[client]
	if !ok || now.Sub(w.start) >= l.period {
		l.clients[client] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.period).Sub(now)
	}
	w.count++
	return true, 0
}

func (l *RateLimiter) cleanup() {
	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.done:
			return
		}
	}
}

func (l *RateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for client, w := range l.clients {
		if now.Sub(w.start) >= l.period {
			delete(l.clients, client)
		}
	}
}

// Close останавливает фоновую очистку. Повторный вызов безопасен.
func (l *RateLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
