package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Limiter учитывает запросы клиента.
type Limiter interface {
	Allow(client string) (bool, time.Duration)
}

// RateLimit отклоняет запросы сверх лимита с кодом 429 и заголовком Retry-After.
// Клиент определяется по IP из RemoteAddr. Заголовки запроса не учитываются:
// RemoteAddr подменяет только chi middleware.RealIP, включенный для доверенного прокси.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			allowed, retryAfter := limiter.Allow(client)
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				slog.Warn("Превышен лимит запросов", "client", client, "path", r.URL.Path, "retry_after", seconds)
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeJSONError(w, http.StatusTooManyRequests, "слишком много запросов")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
